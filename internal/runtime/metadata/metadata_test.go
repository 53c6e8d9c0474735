package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

func TestNewPairsKeysWithValues(t *testing.T) {
	assert.Equal(t, Metadata{"tenant": "acme", "source": "api"}, New("tenant", "acme", "source", "api"))
	assert.Equal(t, Metadata{"tenant": "acme", "dangling": ""}, New("tenant", "acme", "dangling"))
	assert.Empty(t, New())
}

func TestCopiesLeaveReceiverAlone(t *testing.T) {
	base := Metadata{"tenant": "acme", KeyTimeout: "500"}

	withRegion := base.With("region", "eu")
	withoutTimeout := base.Without(KeyTimeout, "missing")
	clone := base.Clone()
	clone["tenant"] = "globex"

	assert.Equal(t, Metadata{"tenant": "acme", KeyTimeout: "500"}, base)
	assert.Equal(t, "eu", withRegion["region"])
	assert.Equal(t, Metadata{"tenant": "acme"}, withoutTimeout)
}

func TestNilMetadataCopiesAreUsable(t *testing.T) {
	var m Metadata
	assert.NotNil(t, m.Clone())
	assert.Equal(t, Metadata{"k": "v"}, m.With("k", "v"))
	assert.NotNil(t, m.Without("k"))
}

func TestWatermillConversion(t *testing.T) {
	wm := message.Metadata{"_watermill_partition": "3", KeyPattern: "sum", "tenant": "acme"}

	attrs := FromWatermill(wm)
	assert.Equal(t, Metadata{KeyPattern: "sum", "tenant": "acme"}, attrs)

	back := ToWatermill(attrs)
	back["tenant"] = "changed"
	assert.Equal(t, "acme", attrs["tenant"])

	assert.NotNil(t, FromWatermill(nil))
	assert.NotNil(t, ToWatermill(nil))
}
