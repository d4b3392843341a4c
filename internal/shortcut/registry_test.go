package shortcut

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/page-agent/internal/browser"
	"github.com/xkilldash9x/page-agent/internal/mocks"
)

type fakeHost struct{ page browser.Driver }

func (h fakeHost) Page() browser.Driver { return h.page }

func constant(v any) Func {
	return func(ctx context.Context, h Host, args ...any) (any, error) { return v, nil }
}

func TestRegisterLastWriteWins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(
		Descriptor{Name: "a", Description: "first a", Execute: constant(1)},
		Descriptor{Name: "b", Description: "b", Execute: constant(2)},
	))
	require.NoError(t, r.Register(Descriptor{Name: "a", Description: "second a", Execute: constant(3)}))

	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.Equal(t, 2, r.Len())

	caps := r.Bind(fakeHost{})
	got, err := caps["a"](context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, got)

	doc := r.Describe()
	assert.Equal(t, 1, strings.Count(doc, `<shortcut name="a">`))
	assert.Contains(t, doc, "second a")
	assert.NotContains(t, doc, "first a")
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := NewRegistry()
	err := r.Register(
		Descriptor{Name: "ok", Execute: constant(nil)},
		Descriptor{Name: "", Execute: constant(nil)},
	)
	require.ErrorIs(t, err, ErrInvalidDescriptor)
	assert.Zero(t, r.Len(), "a rejected batch registers nothing")

	err = r.Register(Descriptor{Name: "noop"})
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestDescribeFormat(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(
		Descriptor{Name: "x", Description: "do x", Execute: constant(nil)},
		Descriptor{Name: "y", Description: "do y\nover two lines", Execute: constant(nil)},
	))

	want := `<shortcuts>
<shortcut name="x">
<description>
do x
</description>
</shortcut>
<shortcut name="y">
<description>
do y
over two lines
</description>
</shortcut>
</shortcuts>`
	assert.Equal(t, want, r.Describe())
}

func TestDescribeEmpty(t *testing.T) {
	assert.Equal(t, "<shortcuts>\n\n</shortcuts>", NewRegistry().Describe())
}

func TestBindPassesHostAndArgs(t *testing.T) {
	r := NewRegistry()
	var seen Host
	var seenArgs []any
	require.NoError(t, r.Register(Descriptor{Name: "echo", Execute: func(ctx context.Context, h Host, args ...any) (any, error) {
		seen, seenArgs = h, args
		return nil, errors.New("boom")
	}}))

	host := fakeHost{page: &mocks.MockDriver{}}
	_, err := r.Bind(host)["echo"](context.Background(), int64(1), "two")
	assert.EqualError(t, err, "boom")
	assert.Equal(t, host, seen)
	assert.Equal(t, []any{int64(1), "two"}, seenArgs)
}

func TestBuiltins(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	require.NoError(t, r.Register(Builtins()...))
	assert.Equal(t, []string{"click_element_by_index", "fill_input", "getBrowserState", "scroll"}, r.Names())

	t.Run("click", func(t *testing.T) {
		page := &mocks.MockDriver{}
		page.On("ClickElement", mock.Anything, 3).Return(browser.ActionResult{Success: true, Message: "Clicked element [3]"}, nil)

		res, err := r.Bind(fakeHost{page})["click_element_by_index"](ctx, float64(3))
		require.NoError(t, err)
		assert.Equal(t, browser.ActionResult{Success: true, Message: "Clicked element [3]"}, res)
	})

	t.Run("click rejects fractional index", func(t *testing.T) {
		page := &mocks.MockDriver{}
		_, err := r.Bind(fakeHost{page})["click_element_by_index"](ctx, 1.5)
		var argErr *ArgError
		require.ErrorAs(t, err, &argErr)
		assert.Equal(t, "index", argErr.Name)
		page.AssertNotCalled(t, "ClickElement", mock.Anything, mock.Anything)
	})

	t.Run("fill", func(t *testing.T) {
		page := &mocks.MockDriver{}
		page.On("InputText", mock.Anything, 0, "alice").Return(browser.ActionResult{Success: true}, nil)

		_, err := r.Bind(fakeHost{page})["fill_input"](ctx, int64(0), "alice")
		require.NoError(t, err)
		page.AssertExpectations(t)
	})

	t.Run("fill requires text", func(t *testing.T) {
		_, err := r.Bind(fakeHost{&mocks.MockDriver{}})["fill_input"](ctx, int64(0))
		assert.EqualError(t, err, "argument 2 (input) is required")
	})

	t.Run("scroll defaults", func(t *testing.T) {
		page := &mocks.MockDriver{}
		page.On("ScrollPage", mock.Anything, true, 1.0).Return(browser.ActionResult{Success: true}, nil)

		_, err := r.Bind(fakeHost{page})["scroll"](ctx)
		require.NoError(t, err)
		page.AssertExpectations(t)
	})

	t.Run("browser state", func(t *testing.T) {
		page := (&mocks.MockDriver{}).StaticPage("https://a.test/", "A", browser.PageInfo{ViewportWidth: 10, ViewportHeight: 10}, -1, "[0]<a />")

		out, err := r.Bind(fakeHost{page})["getBrowserState"](ctx)
		require.NoError(t, err)
		assert.Contains(t, out, "Current Page: [A](https://a.test/)")
	})
}
