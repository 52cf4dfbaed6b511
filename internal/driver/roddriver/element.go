package roddriver

import (
	"context"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/kuitang/webprobe/internal/driver"
)

type element struct {
	el *rod.Element
	by driver.By
}

func (e *element) op(name string) string { return name + " " + e.by.String() }

func (e *element) bound(ctx context.Context) *rod.Element {
	return e.el.Context(ctx).Timeout(actionTimeout)
}

func (e *element) Click(ctx context.Context) error {
	return classify(e.op("click"), e.bound(ctx).Click(proto.InputMouseButtonLeft, 1))
}

func (e *element) Type(ctx context.Context, text string) error {
	return classify(e.op("type"), e.bound(ctx).Input(text))
}

const clearJS = `function() {
	this.value = '';
	this.dispatchEvent(new Event('input', { bubbles: true }));
	this.dispatchEvent(new Event('change', { bubbles: true }));
}`

func (e *element) Clear(ctx context.Context) error {
	el := e.bound(ctx)
	if err := el.WaitEnabled(); err != nil {
		return classify(e.op("clear"), err)
	}
	_, err := el.Eval(clearJS)
	return classify(e.op("clear"), err)
}

func (e *element) Text(ctx context.Context) (string, error) {
	text, err := e.bound(ctx).Text()
	return text, classify(e.op("text"), err)
}

func (e *element) Attribute(ctx context.Context, name string) (string, error) {
	v, err := e.bound(ctx).Attribute(name)
	if err != nil {
		return "", classify(e.op("attribute "+name), err)
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}

func (e *element) Value(ctx context.Context) (string, error) {
	v, err := e.bound(ctx).Property("value")
	if err != nil {
		return "", classify(e.op("value"), err)
	}
	if v.Nil() {
		return "", nil
	}
	return v.Str(), nil
}

func (e *element) IsDisplayed(ctx context.Context) (bool, error) {
	v, err := e.bound(ctx).Visible()
	return v, classify(e.op("displayed"), err)
}

func (e *element) IsEnabled(ctx context.Context) (bool, error) {
	v, err := e.bound(ctx).Property("disabled")
	if err != nil {
		return false, classify(e.op("enabled"), err)
	}
	return !v.Bool(), nil
}

func (e *element) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := e.bound(ctx).Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
	return data, classify(e.op("screenshot"), err)
}
