// Package snapshot captures a page's content, title and scroll position before the user navigates away and puts
// them back when the user returns, so back / forward navigation doesn't have to re-render the page.
// A snapshot is restored at most once and only while it is fresh.

package snapshot

import (
	"errors"
	"fmt"
	"time"

	"github.com/nobletooth/snapback/pkg/cache"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Snapshot is the captured state of one page, keyed by the page location.
type Snapshot struct {
	Body      string    // Markup content of the cached surface.
	Title     string    // Page title.
	PositionX float64   // Horizontal scroll offset.
	PositionY float64   // Vertical scroll offset.
	CachedAt  time.Time // Capture time, UTC with millisecond precision.
}

// Age returns how long ago the snapshot was captured, relative to `now`.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CachedAt)
}

// Snapshot field names on the wire; they match what browser clients of the cache already store.
const (
	fieldBody      = "body"
	fieldTitle     = "title"
	fieldPositionX = "positionX"
	fieldPositionY = "positionY"
	fieldCachedAt  = "cachedAt" // Unix milliseconds.
)

var errMalformedSnapshot = errors.New("malformed snapshot")

var _ cache.Codec[Snapshot] = Codec{}

// Codec encodes snapshots as the JSON form of a protobuf Struct.
type Codec struct{}

func (Codec) Encode(s Snapshot) (string, error) {
	fields, err := structpb.NewStruct(map[string]any{
		fieldBody:      s.Body,
		fieldTitle:     s.Title,
		fieldPositionX: s.PositionX,
		fieldPositionY: s.PositionY,
		fieldCachedAt:  float64(s.CachedAt.UnixMilli()),
	})
	if err != nil {
		return "", fmt.Errorf("failed to build snapshot struct: %w", err)
	}
	encoded, err := protojson.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return string(encoded), nil
}

func (Codec) Decode(raw string) (Snapshot, error) {
	fields := new(structpb.Struct)
	if err := protojson.Unmarshal([]byte(raw), fields); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", errMalformedSnapshot, err)
	}
	values := fields.GetFields()

	body, ok := values[fieldBody].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: '%s' must be a string", errMalformedSnapshot, fieldBody)
	}
	cachedAt, ok := values[fieldCachedAt].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: '%s' must be a number", errMalformedSnapshot, fieldCachedAt)
	}

	return Snapshot{
		Body:      body.StringValue,
		Title:     values[fieldTitle].GetStringValue(),
		PositionX: values[fieldPositionX].GetNumberValue(),
		PositionY: values[fieldPositionY].GetNumberValue(),
		CachedAt:  time.UnixMilli(int64(cachedAt.NumberValue)).UTC(),
	}, nil
}
