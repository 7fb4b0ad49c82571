package device

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Dictionary object locations on the device
const (
	IndexParamBase  uint16 = 0x2100
	IndexMapAddTx   uint16 = 0x3000
	IndexMapAddRx   uint16 = 0x3001
	IndexMapReadTx  uint16 = 0x3100
	IndexMapReadRx  uint16 = 0x3180
	IndexSerial     uint16 = 0x5000
	IndexDictionary uint16 = 0x5001
	IndexCommand    uint16 = 0x5002
	SerialParts            = 4
)

// Values are exchanged as signed fixed point with 5 fractional bits
const FixedPointScale = 32

// Location of a parameter given its id
func ParamAddress(paramId uint32) (index uint16, subindex uint8) {
	return IndexParamBase | uint16(paramId>>8), uint8(paramId & 0xFF)
}

// Parameter id stored at the given location, false if not a parameter entry
func ParamIdOf(index uint16, subindex uint8) (uint32, bool) {
	if index&0xFF00 != IndexParamBase {
		return 0, false
	}
	return uint32(index&0xFF)<<8 | uint32(subindex), true
}

func ToFixed(value float64) uint32 {
	return uint32(int32(math.Round(value * FixedPointScale)))
}

func FromFixed(raw uint32) float64 {
	return float64(int32(raw)) / FixedPointScale
}

// Number accepts both JSON numbers and numeric strings
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q : %w", s, err)
		}
		*n = Number(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*n = Number(v)
	return nil
}

// A single dictionary entry
type Param struct {
	Name     string  `json:"-"`
	Id       *uint32 `json:"id,omitempty"`
	Unit     string  `json:"unit"`
	Value    Number  `json:"value"`
	Minimum  Number  `json:"minimum"`
	Maximum  Number  `json:"maximum"`
	Default  Number  `json:"default"`
	Category string  `json:"category,omitempty"`
	IsParam  bool    `json:"isparam"`
}

// Parameter dictionary of a device, as streamed from [IndexDictionary]
type Dictionary struct {
	raw    []byte
	byName map[string]*Param
	byId   map[uint32]*Param
}

// Parse a dictionary document
func ParseDictionary(raw []byte) (*Dictionary, error) {
	entries := map[string]*Param{}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("invalid dictionary : %w", err)
	}
	d := &Dictionary{
		raw:    append([]byte(nil), raw...),
		byName: make(map[string]*Param, len(entries)),
		byId:   make(map[uint32]*Param, len(entries)),
	}
	for name, param := range entries {
		if param == nil {
			continue
		}
		param.Name = name
		d.byName[name] = param
		if param.Id != nil {
			d.byId[*param.Id] = param
		}
	}
	return d, nil
}

func (d *Dictionary) ByName(name string) (*Param, bool) {
	p, ok := d.byName[name]
	return p, ok
}

func (d *Dictionary) ById(id uint32) (*Param, bool) {
	p, ok := d.byId[id]
	return p, ok
}

// Names of all entries, sorted
func (d *Dictionary) Names() []string {
	names := make([]string, 0, len(d.byName))
	for name := range d.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dictionary) Len() int {
	return len(d.byName)
}

// Raw document as received from the device
func (d *Dictionary) Raw() []byte {
	return d.raw
}
