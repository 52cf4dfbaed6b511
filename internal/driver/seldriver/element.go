package seldriver

import (
	"context"

	"github.com/kuitang/webprobe/internal/driver"
	"github.com/tebeka/selenium"
)

type element struct {
	el selenium.WebElement
	by driver.By
}

func (e *element) op(name string) string { return name + " " + e.by.String() }

func (e *element) Click(ctx context.Context) error {
	return classify(e.op("click"), e.el.Click())
}

func (e *element) Type(ctx context.Context, text string) error {
	return classify(e.op("type"), e.el.SendKeys(text))
}

func (e *element) Clear(ctx context.Context) error {
	return classify(e.op("clear"), e.el.Clear())
}

func (e *element) Text(ctx context.Context) (string, error) {
	t, err := e.el.Text()
	return t, classify(e.op("text"), err)
}

// Attribute treats a missing attribute as empty. tebeka/selenium reports
// a null attribute as an error.
func (e *element) Attribute(ctx context.Context, name string) (string, error) {
	v, err := e.el.GetAttribute(name)
	if err != nil {
		classified := classify(e.op("attribute "+name), err)
		if driver.IsTransient(classified) {
			return "", classified
		}
		return "", nil
	}
	return v, nil
}

func (e *element) Value(ctx context.Context) (string, error) {
	return e.Attribute(ctx, "value")
}

func (e *element) IsDisplayed(ctx context.Context) (bool, error) {
	v, err := e.el.IsDisplayed()
	return v, classify(e.op("displayed"), err)
}

func (e *element) IsEnabled(ctx context.Context) (bool, error) {
	v, err := e.el.IsEnabled()
	return v, classify(e.op("enabled"), err)
}

func (e *element) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := e.el.Screenshot(true)
	return data, classify(e.op("screenshot"), err)
}
