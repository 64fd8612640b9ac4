package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEscape(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "Quarterly report", want: "Quarterly report"},
		{name: "single quote doubled", in: "Bob's notes", want: "Bob''s notes"},
		{name: "newline", in: "line one\nline two", want: "line one line two"},
		{name: "backslash kept", in: `C:\notes\todo`, want: `C:\notes\todo`},
		{name: "repeated spaces kept", in: "a  b", want: "a  b"},
		{name: "crlf and tab", in: "a\r\nb\tc", want: "a b c"},
		{name: "reserved characters kept", in: "Re: [ext] 50% off #1", want: "Re: [ext] 50% off #1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Escape(tt.in))
		})
	}
}

func TestFilter_OData(t *testing.T) {
	delivered := time.Date(2023, 5, 4, 10, 30, 0, 0, time.UTC)

	t.Run("subject only", func(t *testing.T) {
		f := Build("Hello", "", time.Time{})
		assert.Equal(t, "subject eq 'Hello'", f.OData())
	})

	t.Run("with sender and window", func(t *testing.T) {
		f := Build("It's done", " alice@example.com ", delivered)
		want := "subject eq 'It''s done'" +
			" and from/emailAddress/address eq 'alice@example.com'" +
			" and receivedDateTime ge 2023-05-04T10:29:00Z and receivedDateTime le 2023-05-04T10:31:00Z"
		assert.Equal(t, want, f.OData())
	})

	t.Run("window uses utc", func(t *testing.T) {
		loc := time.FixedZone("CEST", 2*60*60)
		f := Build("x", "", delivered.In(loc))
		from, to, ok := f.TimeRange()
		assert.True(t, ok)
		assert.Equal(t, delivered.Add(-Window), from)
		assert.Equal(t, delivered.Add(Window), to)
		assert.Equal(t, time.UTC, from.Location())
	})
}

func TestFilter_Matches(t *testing.T) {
	delivered := time.Date(2023, 5, 4, 10, 30, 0, 0, time.UTC)
	f := Build("Status", "bob@example.com", delivered)

	assert.True(t, f.Matches("Status", "BOB@example.com", delivered.Add(30*time.Second)))
	assert.True(t, f.Matches("Status", "bob@example.com", delivered.Add(-Window)))
	assert.False(t, f.Matches("Status", "bob@example.com", delivered.Add(61*time.Second)))
	assert.False(t, f.Matches("Status", "eve@example.com", delivered))
	assert.False(t, f.Matches("Status update", "bob@example.com", delivered))
	assert.False(t, f.Matches("Status", "bob@example.com", time.Time{}))

	noWindow := Build("Status", "", time.Time{})
	assert.True(t, noWindow.Matches("Status", "anyone@example.com", time.Time{}))
}

func TestFilter_Fingerprint(t *testing.T) {
	delivered := time.Date(2023, 5, 4, 10, 30, 0, 0, time.UTC)

	a := Build("Status", "Bob@Example.com", delivered)
	b := Build("Status", "bob@example.com", delivered.Add(300*time.Millisecond))
	c := Build("Status", "bob@example.com", delivered.Add(time.Second))

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.Len(t, a.Fingerprint(), 64)
}
