// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagReferences(t *testing.T) {
	r := NewTagRegistry()
	r.Set("kids", []string{"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02"})

	assert.True(t, r.ValueInEntry("aa:bb:cc:dd:ee:01", "${kids}"))
	assert.True(t, r.ValueInEntry("aa:bb:cc:dd:ee:01", "$[kids]"))
	assert.True(t, r.ValueInEntry("aa:bb:cc:dd:ee:01", "${*kids}"))
	assert.True(t, r.ValueInEntry("aa:bb:cc:dd:ee:01", "${@kids}"))
	assert.False(t, r.ValueInEntry("aa:bb:cc:dd:ee:99", "${kids}"))

	// Non-references match literally.
	assert.True(t, r.ValueInEntry("adult.com", "adult.com"))
	assert.False(t, r.ValueInEntry("adult.com", "kids.com"))
}

func TestValueInSet(t *testing.T) {
	r := NewTagRegistry()
	r.Set("blocked", []string{"a.com"})

	set := []string{"literal.com", "${blocked}"}
	assert.True(t, r.ValueInSet("literal.com", set))
	assert.True(t, r.ValueInSet("a.com", set))
	assert.False(t, r.ValueInSet("b.com", set))
}

func TestMACInValue(t *testing.T) {
	r := NewTagRegistry()
	r.Set("lan_devices", []string{"aa:bb:cc:dd:ee:01"})

	// Membership by bare tag name, by reference, and literal equality.
	assert.True(t, r.MACInValue("aa:bb:cc:dd:ee:01", "lan_devices"))
	assert.True(t, r.MACInValue("aa:bb:cc:dd:ee:01", "${lan_devices}"))
	assert.True(t, r.MACInValue("aa:bb:cc:dd:ee:02", "aa:bb:cc:dd:ee:02"))
	assert.True(t, r.MACInValue("AA:BB:CC:DD:EE:02", "aa:bb:cc:dd:ee:02"))
	assert.False(t, r.MACInValue("aa:bb:cc:dd:ee:02", "lan_devices"))
	assert.False(t, r.MACInValue("aa:bb:cc:dd:ee:02", ""))
}

func TestDeleteTag(t *testing.T) {
	r := NewTagRegistry()
	r.Set("temp", []string{"x"})
	r.Delete("temp")
	assert.Empty(t, r.Members("temp"))
}
