package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_AdvanceFiresExpired(t *testing.T) {
	c := Fake(epoch)

	short := c.After(50 * time.Millisecond)
	long := c.After(time.Second)
	require.Equal(t, 2, c.PendingCount())

	c.Advance(50 * time.Millisecond)
	select {
	case got := <-short:
		assert.Equal(t, epoch.Add(50*time.Millisecond), got)
	default:
		t.Fatal("short timer did not fire")
	}

	select {
	case <-long:
		t.Fatal("long timer fired early")
	default:
	}
	assert.Equal(t, 1, c.PendingCount())
}

func TestFake_NonPositiveFiresImmediately(t *testing.T) {
	c := Fake(epoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should be ready")
	}
	assert.Zero(t, c.PendingCount())
}

func TestFake_WaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Minute)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Minute)
	<-done
	assert.Equal(t, time.Minute, Since(c, epoch))
}
