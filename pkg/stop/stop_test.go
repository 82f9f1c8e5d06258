package stop

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	name  string
	order *[]string
	err   error
}

func (r recorder) Stop() Result {
	c := make(Channel)
	go func() {
		*r.order = append(*r.order, r.name)
		c.Done(r.err)
	}()
	return c.Result()
}

func TestGroupStopsInReverseOrder(t *testing.T) {
	var order []string
	g := NewGroup()
	g.Add(recorder{name: "storage", order: &order})
	g.Add(recorder{name: "frontend", order: &order})

	require.Empty(t, g.Stop().Wait())
	require.Equal(t, []string{"frontend", "storage"}, order)
}

func TestGroupCollectsErrors(t *testing.T) {
	var order []string
	boom := errors.New("boom")

	g := NewGroup()
	g.Add(recorder{name: "a", order: &order})
	g.Add(recorder{name: "b", order: &order, err: boom})
	g.AddFunc(AlreadyStoppedFunc)

	errs := g.Stop().Wait()
	require.Equal(t, []error{boom}, errs)
}

func TestAlreadyStoppedIsClosed(t *testing.T) {
	require.Empty(t, AlreadyStoppedFunc().Wait())

	c := make(Channel, 1)
	r := c.Result()
	c.Done(errors.New("boom"))
	require.Len(t, r.Wait(), 1)
}
