package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/giaosudau/sqlflow"
	"github.com/giaosudau/sqlflow/resilience"
)

type fakeConnector struct{}

func (f *fakeConnector) Kind() Kind                                  { return KindAPI }
func (f *fakeConnector) Configure(map[string]any) error              { return nil }
func (f *fakeConnector) TestConnection(ctx context.Context) error    { return nil }
func (f *fakeConnector) ResilienceTier() resilience.Tier             { return resilience.DefaultTier }

func TestRegistry_UnknownTypeFails(t *testing.T) {
	_, err := New("does-not-exist")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, sqlflow.ErrUnknownConnectorType))
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	Register("test-fake", func() Connector { return &fakeConnector{} })

	assert.True(t, Registered("test-fake"))

	c, err := New("test-fake")
	assert.NoError(t, err)
	assert.Equal(t, KindAPI, c.Kind())
}
