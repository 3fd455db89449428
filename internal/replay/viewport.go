package replay

import (
	"strconv"

	"github.com/MarcoPoloResearchLab/marginalia/internal/dom"
	"golang.org/x/net/html"
)

// ScrollTopAttr records the last scroll position applied by DOMViewport.
const ScrollTopAttr = "data-scroll-top"

// Viewport scrolls a container of the rendered document.
type Viewport interface {
	ScrollTo(container *html.Node, top float64)
}

// DOMViewport writes the scroll position onto the container element for the host to apply.
type DOMViewport struct{}

func (DOMViewport) ScrollTo(container *html.Node, top float64) {
	if container == nil {
		return
	}
	dom.SetAttr(container, ScrollTopAttr, strconv.FormatFloat(top, 'f', -1, 64))
}
