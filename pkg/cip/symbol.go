package cip

import (
	"encoding/binary"
	"fmt"
)

// ClassSymbol is the Symbol object class (individual tags).
const ClassSymbol UINT = 0x6B

// ClassTemplate is the Template object class (UDT member layout).
const ClassTemplate UINT = 0x6C

// ServiceGetInstanceAttributeList (0x55), aka "CipListTags" in vendor
// tooling, enumerates instances of a class starting at a given instance
// id, returning the requested attributes for each. The reply carries
// StatusPartialTransfer (0x06) when more instances remain.
const ServiceGetInstanceAttributeList USINT = 0x55

// Tag-info attribute ids requested by NewListTagsRequest.
const (
	TagAttrName UINT = 0x01
	TagAttrType UINT = 0x02
)

// NewListTagsRequest builds a GetInstanceAttributeList (0x55) request
// against the Symbol class, starting at startInstance (1 for the first
// call; subsequent calls use the last-seen instance id + 1 per
// spec.md §4.4). scopePath, if non-empty, is a program-scoped symbol path
// prefix (e.g. for "PROGRAM:x.@tags"); nil lists controller-scoped tags.
func NewListTagsRequest(scopePath Path, startInstance uint32) *MessageRouterRequest {
	p := NewPath()
	p = append(p, scopePath...)
	p.AddClass(ClassSymbol)
	p.AddInstance32(startInstance)

	reqData := make([]byte, 0, 6)
	reqData = binary.LittleEndian.AppendUint16(reqData, 2)
	reqData = binary.LittleEndian.AppendUint16(reqData, uint16(TagAttrName))
	reqData = binary.LittleEndian.AppendUint16(reqData, uint16(TagAttrType))

	return &MessageRouterRequest{
		Service:     ServiceGetInstanceAttributeList,
		RequestPath: p,
		RequestData: reqData,
	}
}

// TagListEntry is one decoded tag-table row.
type TagListEntry struct {
	InstanceID uint32
	Name       string
	Type       DataType
}

// DecodeListTagsResponse parses a GetInstanceAttributeList reply body
// into a run of TagListEntry. The wire layout per entry is: instance id
// (UDINT), name length (UINT), name bytes, type code (UINT); entries
// repeat until the body is exhausted.
func DecodeListTagsResponse(data []byte) ([]TagListEntry, error) {
	var entries []TagListEntry
	off := 0
	for off < len(data) {
		if off+4 > len(data) {
			return nil, fmt.Errorf("cip: truncated tag-list entry (instance id) at offset %d", off)
		}
		instanceID := binary.LittleEndian.Uint32(data[off : off+4])
		off += 4

		if off+2 > len(data) {
			return nil, fmt.Errorf("cip: truncated tag-list entry (name length) at offset %d", off)
		}
		nameLen := int(binary.LittleEndian.Uint16(data[off : off+2]))
		off += 2

		if off+nameLen > len(data) {
			return nil, fmt.Errorf("cip: truncated tag-list entry (name) at offset %d", off)
		}
		name := string(data[off : off+nameLen])
		off += nameLen

		if off+2 > len(data) {
			return nil, fmt.Errorf("cip: truncated tag-list entry (type) at offset %d", off)
		}
		typeCode := binary.LittleEndian.Uint16(data[off : off+2])
		off += 2

		entries = append(entries, TagListEntry{
			InstanceID: instanceID,
			Name:       name,
			Type:       DataType(typeCode),
		})
	}
	return entries, nil
}

// NextStartInstance returns the starting instance id for the next
// GetInstanceAttributeList call following a StatusPartialTransfer reply:
// the last entry's instance id plus one.
func NextStartInstance(entries []TagListEntry) uint32 {
	if len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].InstanceID + 1
}

// NewTemplateAttributesRequest builds a GetAttributeList request against
// a UDT's Template instance to fetch its definition size, instance size,
// member count and CRC handle — the metadata needed before streaming the
// template body itself (spec.md §4.4).
func NewTemplateAttributesRequest(templateInstance uint32) *MessageRouterRequest {
	p := NewPath()
	p.AddClass(ClassTemplate)
	p.AddInstance32(templateInstance)
	return NewGetAttributeListRequest(p, []uint16{1, 2, 4, 5})
}

// TemplateInfo is the decoded subset of Template object attributes this
// module needs to stream a UDT body.
type TemplateInfo struct {
	CRC              uint16 // attribute 1
	DefinitionSize   uint32 // attribute 2, in 32-bit words
	MemberCount      uint16 // attribute 4
	InstanceByteSize uint32 // attribute 5
}

// DecodeTemplateAttributesResponse decodes the reply to
// NewTemplateAttributesRequest.
func DecodeTemplateAttributesResponse(data []byte) (*TemplateInfo, error) {
	vals, err := DecodeGetAttributeListResponse(data, []int{2, 4, 2, 4})
	if err != nil {
		return nil, err
	}
	info := &TemplateInfo{}
	for _, v := range vals {
		if v.Status != 0 {
			continue
		}
		switch v.ID {
		case 1:
			info.CRC = binary.LittleEndian.Uint16(v.Data)
		case 2:
			info.DefinitionSize = binary.LittleEndian.Uint32(v.Data)
		case 4:
			info.MemberCount = binary.LittleEndian.Uint16(v.Data)
		case 5:
			info.InstanceByteSize = binary.LittleEndian.Uint32(v.Data)
		}
	}
	return info, nil
}

// NewTemplateReadRequest builds a CipReadFrag (0x52) against the Template
// instance to stream `size` bytes of the raw template body starting at
// byteOffset, sized to the negotiated payload by the caller: `size` goes in
// the element-count field and byteOffset in the fragment-offset field. It
// does not build a plain CipRead (0x4C). Beyond returning the raw
// type bytes, no UDT schema introspection is performed (spec.md §1
// non-goal).
func NewTemplateReadRequest(templateInstance uint32, byteOffset uint32, size uint16) *MessageRouterRequest {
	p := NewPath()
	p.AddClass(ClassTemplate)
	p.AddInstance32(templateInstance)
	return NewReadTagFragmentedRequest(p, size, byteOffset)
}
