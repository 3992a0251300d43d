// Package browser drives a headless Chrome instance for the household
// confirmation action.
package browser

import (
	"context"
)

// Session is one isolated browser session with a single page.
type Session interface {
	// Navigate loads url in the page and waits for the document.
	Navigate(ctx context.Context, url string) error
	// Click clicks the first element matching selector.
	Click(ctx context.Context, selector string) error
	// WaitPresent returns once an element matching selector is attached to
	// the DOM, or with an error when ctx expires first.
	WaitPresent(ctx context.Context, selector string) error
	// State serializes the session's authentication data.
	State(ctx context.Context) ([]byte, error)
	// Close releases the page, the session and the browser process.
	Close() error
}

// Launcher starts browser sessions, optionally seeded with a state blob
// previously returned by Session.State.
type Launcher interface {
	Launch(ctx context.Context, state []byte) (Session, error)
}
