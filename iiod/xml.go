package iiod

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Context is the parsed PRINT description of an IIOD server.
type Context struct {
	XMLName      xml.Name           `xml:"context" json:"-"`
	Name         string             `xml:"name,attr" json:"name"`
	VersionMajor string             `xml:"version-major,attr" json:"version_major"`
	VersionMinor string             `xml:"version-minor,attr" json:"version_minor"`
	VersionGit   string             `xml:"version-git,attr" json:"version_git"`
	Description  string             `xml:"description,attr" json:"description"`
	Attributes   []ContextAttribute `xml:"context-attribute" json:"attributes,omitempty"`
	Devices      []Device           `xml:"device" json:"devices"`
}

// ContextAttribute is a key/value pair published by the context.
type ContextAttribute struct {
	Name  string `xml:"name,attr" json:"name"`
	Value string `xml:"value,attr" json:"value"`
}

// Device describes one IIO device.
type Device struct {
	ID               string     `xml:"id,attr" json:"id"`
	Name             string     `xml:"name,attr" json:"name"`
	Label            string     `xml:"label,attr" json:"label,omitempty"`
	Channels         []Channel  `xml:"channel" json:"channels"`
	Attributes       []NamedRef `xml:"attribute" json:"attributes"`
	DebugAttributes  []NamedRef `xml:"debug-attribute" json:"debug_attributes"`
	BufferAttributes []NamedRef `xml:"buffer-attribute" json:"buffer_attributes"`
}

// NamedRef is an attribute declaration.
type NamedRef struct {
	Name     string `xml:"name,attr" json:"name"`
	Filename string `xml:"filename,attr" json:"filename,omitempty"`
}

// Channel describes one device channel.
type Channel struct {
	ID          string       `xml:"id,attr" json:"id"`
	Name        string       `xml:"name,attr" json:"name,omitempty"`
	Type        string       `xml:"type,attr" json:"type"`
	Attributes  []NamedRef   `xml:"attribute" json:"attributes"`
	ScanElement *ScanElement `xml:"scan-element" json:"scan_element,omitempty"`
}

// ScanElement carries a channel's buffer layout.
type ScanElement struct {
	Index  int    `xml:"index,attr" json:"index"`
	Format string `xml:"format,attr" json:"format"`
	Scale  string `xml:"scale,attr" json:"scale,omitempty"`
}

// ParseContext decodes PRINT output. Leading bytes before the XML prolog
// are ignored.
func ParseContext(raw []byte) (*Context, error) {
	if idx := bytes.IndexByte(raw, '<'); idx > 0 {
		raw = raw[idx:]
	}
	var c Context
	if err := xml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse iiod context xml: %w", err)
	}
	return &c, nil
}

// FindDevice looks a device up by id, name or label.
func (c *Context) FindDevice(key string) (*Device, bool) {
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.ID == key || d.Name == key || (d.Label != "" && d.Label == key) {
			return d, true
		}
	}
	return nil, false
}

// DevicesByPrefix returns devices whose name or label starts with prefix,
// ordered by label then name.
func (c *Context) DevicesByPrefix(prefix string) []*Device {
	var out []*Device
	for i := range c.Devices {
		d := &c.Devices[i]
		if strings.HasPrefix(d.Name, prefix) || strings.HasPrefix(d.Label, prefix) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Channel finds a channel by id (or name) and direction.
func (d *Device) Channel(id string, output bool) (*Channel, bool) {
	for i := range d.Channels {
		ch := &d.Channels[i]
		if (ch.ID == id || ch.Name == id) && ch.IsOutput() == output {
			return ch, true
		}
	}
	return nil, false
}

// HasAttribute reports whether the device declares attr.
func (d *Device) HasAttribute(attr string) bool {
	for _, a := range d.Attributes {
		if a.Name == attr {
			return true
		}
	}
	return false
}

// ScanChannels returns the channels that have a scan element, ordered by
// scan index.
func (d *Device) ScanChannels() []*Channel {
	var out []*Channel
	for i := range d.Channels {
		if d.Channels[i].ScanElement != nil {
			out = append(out, &d.Channels[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScanElement.Index < out[j].ScanElement.Index })
	return out
}

// Mask builds a channel mask enabling the given channel ids.
func (d *Device) Mask(ids ...string) (ChannelMask, error) {
	scan := d.ScanChannels()
	mask := NewChannelMask(len(scan))
	for _, id := range ids {
		found := false
		for pos, ch := range scan {
			if ch.ID == id {
				mask.Set(pos)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("device %s has no scan channel %q", d.Name, id)
		}
	}
	return mask, nil
}

// IsOutput reports whether the channel is an output channel.
func (ch *Channel) IsOutput() bool { return ch.Type == "output" }

// HasAttribute reports whether the channel declares attr.
func (ch *Channel) HasAttribute(attr string) bool {
	for _, a := range ch.Attributes {
		if a.Name == attr {
			return true
		}
	}
	return false
}

// ScanFormat is a decoded scan element format such as "le:S12/16>>0".
type ScanFormat struct {
	BigEndian    bool
	Signed       bool
	FullyDefined bool
	Bits         int
	Storage      int
	Repeat       int
	Shift        int
}

// ParseScanFormat decodes the scan element format string.
func ParseScanFormat(s string) (ScanFormat, error) {
	var f ScanFormat
	endian, rest, ok := strings.Cut(s, ":")
	if !ok || len(rest) < 2 {
		return f, fmt.Errorf("malformed scan format %q", s)
	}
	switch endian {
	case "le":
	case "be":
		f.BigEndian = true
	default:
		return f, fmt.Errorf("malformed scan format %q: endianness %q", s, endian)
	}
	switch rest[0] {
	case 's':
		f.Signed = true
	case 'S':
		f.Signed, f.FullyDefined = true, true
	case 'u':
	case 'U':
		f.FullyDefined = true
	default:
		return f, fmt.Errorf("malformed scan format %q: sign %q", s, rest[0])
	}
	rest = rest[1:]
	sizes, shift, ok := strings.Cut(rest, ">>")
	if !ok {
		return f, fmt.Errorf("malformed scan format %q: missing shift", s)
	}
	bits, storage, ok := strings.Cut(sizes, "/")
	if !ok {
		return f, fmt.Errorf("malformed scan format %q: missing storage", s)
	}
	f.Repeat = 1
	if st, rep, ok := strings.Cut(storage, "X"); ok {
		storage = st
		n, err := strconv.Atoi(rep)
		if err != nil {
			return f, fmt.Errorf("malformed scan format %q: repeat: %w", s, err)
		}
		f.Repeat = n
	}
	var err error
	if f.Bits, err = strconv.Atoi(bits); err != nil {
		return f, fmt.Errorf("malformed scan format %q: bits: %w", s, err)
	}
	if f.Storage, err = strconv.Atoi(storage); err != nil {
		return f, fmt.Errorf("malformed scan format %q: storage: %w", s, err)
	}
	if f.Shift, err = strconv.Atoi(shift); err != nil {
		return f, fmt.Errorf("malformed scan format %q: shift: %w", s, err)
	}
	return f, nil
}

// Bytes is the storage size of one sample of this element.
func (f ScanFormat) Bytes() int { return f.Storage / 8 * f.Repeat }
