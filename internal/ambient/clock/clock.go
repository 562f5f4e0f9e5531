// Package clock supplies the injectable wall-clock used by both the
// disk and DHT cores wherever an opaque Clock collaborator is needed
// (write-token rotation, bucket refresh, piece expire_time, peer/item
// TTLs). Production code uses the real clock; tests swap in a
// benbjohnson/clock Mock to drive timeouts and expirations
// deterministically.
package clock

import "github.com/benbjohnson/clock"

// Clock is an alias of benbjohnson/clock.Clock.
type Clock = clock.Clock

// Mock is re-exported so tests don't need a direct benbjohnson/clock import.
type Mock = clock.Mock

// Timer is the handle returned by Clock.AfterFunc.
type Timer = clock.Timer

// New returns the real wall-clock.
func New() Clock { return clock.New() }

// NewMock returns a controllable clock for tests.
func NewMock() *Mock { return clock.NewMock() }
