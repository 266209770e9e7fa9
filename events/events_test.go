package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/c360studio/dtseval/terminal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs       []published
	publishErr error
	flushes    int
	drained    bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.msgs = append(f.msgs, published{subject, data})
	return nil
}

func (f *fakeConn) FlushWithContext(context.Context) error {
	f.flushes++
	return nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestNATSPublisher_Publish(t *testing.T) {
	conn := &fakeConn{}
	p := newNATSPublisher(conn, "", nil)

	outcome := Outcome{
		RunID:    "run-1",
		Package:  "left-pad",
		Terminal: terminal.MarkerUsable,
		Duration: 2 * time.Second,
	}
	require.NoError(t, p.Publish(context.Background(), outcome))

	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "dtseval.package.usable", conn.msgs[0].subject)
	assert.Equal(t, 1, conn.flushes)

	var decoded Outcome
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &decoded))
	assert.Equal(t, "left-pad", decoded.Package)
	assert.Equal(t, terminal.MarkerUsable, decoded.Terminal)
	assert.Equal(t, 2*time.Second, decoded.Duration)

	require.NoError(t, p.Close())
	assert.True(t, conn.drained)
}

func TestNATSPublisher_CustomPrefix(t *testing.T) {
	p := newNATSPublisher(&fakeConn{}, "sweeps.nightly", nil)
	assert.Equal(t, "sweeps.nightly.raised_error", p.Subject(Outcome{Terminal: terminal.MarkerRaisedError}))
}

func TestNATSPublisher_Errors(t *testing.T) {
	conn := &fakeConn{publishErr: errors.New("disconnected")}
	p := newNATSPublisher(conn, "", nil)

	err := p.Publish(context.Background(), Outcome{Terminal: terminal.MarkerUsable})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disconnected")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, p.Publish(ctx, Outcome{}))
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Outcome{}))
	assert.NoError(t, p.Close())
}
