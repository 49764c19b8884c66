package provider

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/paymentops/internal/domain"
)

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewRegistry()

	p, err := r.Get("STRIPE")
	require.Error(t, err)
	assert.Nil(t, p)
	assert.True(t, errors.Is(err, ErrProviderNotFound))

	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "STRIPE", nf.ID)
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	r := NewRegistry()
	first := NewSimulatedProvider("STRIPE")
	second := NewSimulatedProvider("STRIPE")
	second.SetFailing(true)

	r.Register("STRIPE", first)
	got, err := r.Get("STRIPE")
	require.NoError(t, err)
	assert.Same(t, first, got)

	r.Register("STRIPE", second)
	got, err = r.Get("STRIPE")
	require.NoError(t, err)
	assert.Same(t, second, got)

	_, err = got.CreatePayment(context.Background(), domain.PaymentRequest{Amount: 100, Currency: "GBP"})
	assert.ErrorIs(t, err, ErrSimulatedOutage)
}

func TestRegistry_IDsSorted(t *testing.T) {
	r := NewRegistry()
	r.Register("PAYPAL", NewSimulatedProvider("PAYPAL"))
	r.Register("GOCARDLESS", NewSimulatedProvider("GOCARDLESS"))
	r.Register("STRIPE", NewSimulatedProvider("STRIPE"))

	assert.Equal(t, []string{"GOCARDLESS", "PAYPAL", "STRIPE"}, r.IDs())
}

func TestRegistry_ConcurrentRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register("STRIPE", NewSimulatedProvider("STRIPE"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("STRIPE", NewSimulatedProvider("STRIPE"))
		}()
		go func() {
			defer wg.Done()
			p, err := r.Get("STRIPE")
			assert.NoError(t, err)
			assert.NotNil(t, p)
		}()
	}
	wg.Wait()
}
