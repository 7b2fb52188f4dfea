package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ghilesmeddour/faktory-go/internal/wire"
)

func TestParseBulkString(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantN    int
		wantData string
	}{
		{"ordinary", "$5\r\nhello\r\n", 5, "hello"},
		{"nil", "$-1\r\n", -1, ""},
		{"empty payload", "$0\r\n\r\n", 0, ""},
		{"not bulk", "+OK\r\n", -1, ""},
		{"truncated", "$5\r\nhel", -1, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, data := wire.ParseBulkString(tt.in)
			assert.Equal(t, tt.wantN, n)
			assert.Equal(t, tt.wantData, data)
		})
	}
}

func TestIsMessageComplete(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"simple complete", "+OK\r\n", true},
		{"simple incomplete", "+OK", false},
		{"error complete", "-ERR bad\r\n", true},
		{"nil bulk complete", "$-1\r\n", true},
		{"bulk complete", "$5\r\nhello\r\n", true},
		{"bulk missing trailing crlf", "$5\r\nhello", false},
		{"bulk header only", "$5\r\n", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, wire.IsMessageComplete(tt.in))
		})
	}
}

func TestEncodeCommand(t *testing.T) {
	assert.Equal(t, []byte("END\r\n"), wire.EncodeCommand("END", ""))
	assert.Equal(t, []byte("HELLO {\"v\":2}\r\n"), wire.EncodeCommand("HELLO", `{"v":2}`))
}

func TestParseReply(t *testing.T) {
	r := wire.ParseReply("+OK\r\n")
	assert.Equal(t, wire.Simple, r.Kind)
	assert.Equal(t, "OK", r.Text)

	r = wire.ParseReply("-ERR something broke\r\n")
	assert.Equal(t, wire.Error, r.Kind)
	assert.Equal(t, "ERR something broke", r.Text)

	r = wire.ParseReply("$13\r\n{\"foo\":\"bar\"}\r\n")
	assert.Equal(t, wire.Bulk, r.Kind)
	assert.Equal(t, 13, r.BulkLen)
	assert.Equal(t, `{"foo":"bar"}`, r.BulkData)

	r = wire.ParseReply("$-1\r\n")
	assert.Equal(t, wire.Bulk, r.Kind)
	assert.Equal(t, -1, r.BulkLen)
	assert.Equal(t, "", r.BulkData)
}
