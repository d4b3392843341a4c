package shortcut

import (
	"context"

	"github.com/xkilldash9x/page-agent/internal/browserstate"
)

// Builtins returns the shortcuts every agent context starts with.
func Builtins() []Descriptor {
	return []Descriptor{ClickElementByIndex, FillInput, GetBrowserState, Scroll}
}

var ClickElementByIndex = Descriptor{
	Name: "click_element_by_index",
	Description: `// Recommended: click an element by the index shown in the browser state
await context.shortcuts.click_element_by_index(index);`,
	Execute: func(ctx context.Context, h Host, args ...any) (any, error) {
		index, err := IntArg(args, 0, "index")
		if err != nil {
			return nil, err
		}
		return h.Page().ClickElement(ctx, index)
	},
}

var FillInput = Descriptor{
	Name: "fill_input",
	Description: `// Fill an input field
await context.shortcuts.fill_input(index, input);`,
	Execute: func(ctx context.Context, h Host, args ...any) (any, error) {
		index, err := IntArg(args, 0, "index")
		if err != nil {
			return nil, err
		}
		text, err := StringArg(args, 1, "input")
		if err != nil {
			return nil, err
		}
		return h.Page().InputText(ctx, index, text)
	},
}

var GetBrowserState = Descriptor{
	Name: "getBrowserState",
	Description: `// Read the current page state
const browserState = await context.shortcuts.getBrowserState();`,
	Execute: func(ctx context.Context, h Host, args ...any) (any, error) {
		return browserstate.Synthesize(ctx, h.Page())
	},
}

var Scroll = Descriptor{
	Name: "scroll",
	Description: `// Scroll the page by a number of viewport heights, down=false scrolls up
await context.shortcuts.scroll(down, pages);`,
	Execute: func(ctx context.Context, h Host, args ...any) (any, error) {
		down, err := BoolArg(args, 0, "down", true)
		if err != nil {
			return nil, err
		}
		pages, err := FloatArg(args, 1, "pages", 1)
		if err != nil {
			return nil, err
		}
		return h.Page().ScrollPage(ctx, down, pages)
	},
}
