package widget

// Renderer is the display side of the widget. The controller only ever talks
// to the transcript through it, so terminal, console and browser front ends
// are interchangeable.
type Renderer interface {
	AppendMessage(msg Message)
	// ShowPlaceholder adds the three-mark "bot is typing" indicator.
	ShowPlaceholder()
	RemovePlaceholder()
	ClearInput()
	ScrollToEnd()
	Focus()
}
