package device

import (
	"testing"

	canbridge "github.com/samsamfire/canbridge"
	"github.com/samsamfire/canbridge/pkg/sdo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetValue(t *testing.T) {
	d := newTestDevice()
	config := NewConfigurator(nodeIdTest, newTestClient(t, d))

	value, err := config.GetValue(2000)
	assert.Nil(t, err)
	assert.Equal(t, 398.5, value)

	assert.Nil(t, config.SetValue(2, 120.25))
	raw, _ := d.Value(2)
	assert.EqualValues(t, 120.25*32, raw)

	err = config.SetValue(2, 1000)
	assert.Equal(t, sdo.OutcomeRangeError, sdo.OutcomeOf(err))

	_, err = config.GetValue(77)
	assert.Equal(t, sdo.OutcomeUnknownIndex, sdo.OutcomeOf(err))
}

func TestGetValueTimeout(t *testing.T) {
	d := newTestDevice()
	d.Silent = true
	config := NewConfigurator(nodeIdTest, newTestClient(t, d))
	_, err := config.GetValue(2000)
	assert.Equal(t, canbridge.ErrTimeout, err)
	assert.Equal(t, sdo.OutcomeCommError, sdo.OutcomeOf(err))
}

func TestCommand(t *testing.T) {
	d := newTestDevice()
	config := NewConfigurator(nodeIdTest, newTestClient(t, d))
	assert.Nil(t, config.Command(CommandStart, 2))
	assert.Nil(t, config.Command(CommandSave, 0))
	commands := d.Commands()
	require.Len(t, commands, 2)
	assert.EqualValues(t, CommandStart, commands[0].Command)
	assert.EqualValues(t, 2, commands[0].Arg)
	assert.EqualValues(t, CommandSave, commands[1].Command)
	assert.Equal(t, "START", CommandStart.String())
	assert.Equal(t, "UNKNOWN", Command(9).String())
}

func TestMappingEncoding(t *testing.T) {
	m := Mapping{CanId: 0x101, ParamId: 2000, Position: 16, Length: -16, Gain: -0.5, Offset: -3}
	param, gainOffset := m.encode()
	assert.EqualValues(t, 2000|16<<16|0xF0<<24, param)
	assert.EqualValues(t, 0xFFFE0C|0xFD<<24, gainOffset)
	decoded := decodeMapping(param, gainOffset)
	assert.EqualValues(t, 2000, decoded.ParamId)
	assert.EqualValues(t, 16, decoded.Position)
	assert.EqualValues(t, -16, decoded.Length)
	assert.Equal(t, -0.5, decoded.Gain)
	assert.EqualValues(t, -3, decoded.Offset)
}

func TestMappings(t *testing.T) {
	d := newTestDevice()
	config := NewConfigurator(nodeIdTest, newTestClient(t, d))

	mappings, err := config.ListMappings()
	assert.Nil(t, err)
	assert.Empty(t, mappings)

	assert.Nil(t, config.AddMapping(Mapping{CanId: 0x100, ParamId: 2000, Position: 0, Length: 16, Gain: 1}))
	assert.Nil(t, config.AddMapping(Mapping{CanId: 0x100, ParamId: 2, Position: 16, Length: 16, Gain: 32}))
	assert.Nil(t, config.AddMapping(Mapping{Rx: true, CanId: 0x200, ParamId: 1, Position: 8, Length: 8, Gain: 0.1, Offset: 4}))
	tx, rx := d.MappingCount()
	assert.Equal(t, 2, tx)
	assert.Equal(t, 1, rx)
	assert.Equal(t, canbridge.ErrIllegalArgument, config.AddMapping(Mapping{CanId: 0x800}))

	mappings, err = config.ListMappings()
	require.Nil(t, err)
	require.Len(t, mappings, 3)
	assert.False(t, mappings[0].Rx)
	assert.EqualValues(t, 0x100, mappings[0].CanId)
	assert.EqualValues(t, 2000, mappings[0].ParamId)
	assert.EqualValues(t, 1, mappings[1].ParamIndex)
	assert.EqualValues(t, 32, mappings[1].Gain)
	assert.True(t, mappings[2].Rx)
	assert.EqualValues(t, 0x200, mappings[2].CanId)
	assert.Equal(t, 0.1, mappings[2].Gain)
	assert.EqualValues(t, 4, mappings[2].Offset)

	assert.Nil(t, config.RemoveMapping(false, 0, 0))
	tx, _ = d.MappingCount()
	assert.Equal(t, 1, tx)
	err = config.RemoveMapping(false, 3, 0)
	assert.Equal(t, sdo.OutcomeUnknownIndex, sdo.OutcomeOf(err))
}
