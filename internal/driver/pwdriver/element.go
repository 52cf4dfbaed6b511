package pwdriver

import (
	"context"

	"github.com/kuitang/webprobe/internal/driver"
	"github.com/playwright-community/playwright-go"
)

type element struct {
	loc playwright.Locator
	by  driver.By
}

var timeoutMS = float64(actionTimeout.Milliseconds())

func (e *element) op(name string) string { return name + " " + e.by.String() }

func (e *element) Click(ctx context.Context) error {
	err := e.loc.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(timeoutMS)})
	return classify(e.op("click"), err)
}

func (e *element) Type(ctx context.Context, text string) error {
	err := e.loc.PressSequentially(text, playwright.LocatorPressSequentiallyOptions{Timeout: playwright.Float(timeoutMS)})
	return classify(e.op("type"), err)
}

func (e *element) Clear(ctx context.Context) error {
	err := e.loc.Clear(playwright.LocatorClearOptions{Timeout: playwright.Float(timeoutMS)})
	return classify(e.op("clear"), err)
}

func (e *element) Text(ctx context.Context) (string, error) {
	text, err := e.loc.InnerText(playwright.LocatorInnerTextOptions{Timeout: playwright.Float(timeoutMS)})
	return text, classify(e.op("text"), err)
}

func (e *element) Attribute(ctx context.Context, name string) (string, error) {
	v, err := e.loc.GetAttribute(name, playwright.LocatorGetAttributeOptions{Timeout: playwright.Float(timeoutMS)})
	return v, classify(e.op("attribute "+name), err)
}

func (e *element) Value(ctx context.Context) (string, error) {
	v, err := e.loc.InputValue(playwright.LocatorInputValueOptions{Timeout: playwright.Float(timeoutMS)})
	return v, classify(e.op("value"), err)
}

func (e *element) IsDisplayed(ctx context.Context) (bool, error) {
	v, err := e.loc.IsVisible()
	return v, classify(e.op("displayed"), err)
}

func (e *element) IsEnabled(ctx context.Context) (bool, error) {
	v, err := e.loc.IsEnabled(playwright.LocatorIsEnabledOptions{Timeout: playwright.Float(timeoutMS)})
	return v, classify(e.op("enabled"), err)
}

func (e *element) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := e.loc.Screenshot(playwright.LocatorScreenshotOptions{
		Timeout: playwright.Float(timeoutMS),
		Type:    playwright.ScreenshotTypePng,
	})
	return data, classify(e.op("screenshot"), err)
}
