package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_FIFO(t *testing.T) {
	m := newMailbox()

	for _, id := range []string{"a", "b", "c"} {
		ok := m.Put(message{kind: msgLeave, userID: id})
		require.True(t, ok)
	}

	for _, want := range []string{"a", "b", "c"} {
		msg, ok := m.TryTake()
		require.True(t, ok)
		assert.Equal(t, want, msg.userID)
	}

	_, ok := m.TryTake()
	assert.False(t, ok, "empty mailbox should report no message")
}

func TestMailbox_PutAfterClose(t *testing.T) {
	m := newMailbox()
	m.Close()

	ok := m.Put(message{kind: msgLeave, userID: "late"})
	assert.False(t, ok)
}

func TestMailbox_CloseWakesWaiter(t *testing.T) {
	m := newMailbox()

	done := make(chan struct{})
	go func() {
		<-m.Wait()
		close(done)
	}()

	m.Close()
	<-done // closed signal channel fires for all waiters
}

func TestMailbox_SignalCoalesces(t *testing.T) {
	m := newMailbox()

	// Many puts, one buffered signal: the consumer loop relies on
	// re-checking TryTake rather than one signal per message.
	for i := 0; i < 10; i++ {
		m.Put(message{kind: msgSweep})
	}
	assert.Equal(t, 10, m.Len())

	<-m.Wait()
	select {
	case <-m.Wait():
		t.Fatal("signal channel should be drained after one receive")
	default:
	}
}
