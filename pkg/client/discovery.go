package client

import (
	"fmt"

	"github.com/coriolis-automation/goeip/pkg/cip"
	"github.com/coriolis-automation/goeip/pkg/eip"
	"github.com/coriolis-automation/goeip/pkg/transport"
)

// ListIdentity sends an unregistered ListIdentity query over its own
// short-lived connection — this command never needs RegisterSession, so
// it bypasses the managed Session entirely rather than borrowing its
// socket (spec.md §7).
func (c *Client) ListIdentity() ([]eip.ListIdentityItem, error) {
	t, err := transport.NewTCPTransportTimeout(c.cfg.Gateway, c.cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	if err := t.Send(eip.CommandListIdentity, nil, 0); err != nil {
		return nil, err
	}
	header, data, err := t.Receive()
	if err != nil {
		return nil, err
	}
	if header.Status != eip.StatusSuccess {
		return nil, fmt.Errorf("client: ListIdentity failed, encap status 0x%08X", header.Status)
	}
	return eip.DecodeListIdentityResponse(data)
}

// ListServices is ListIdentity's sibling query for the gateway's
// supported encapsulation services.
func (c *Client) ListServices() ([]eip.ListServicesItem, error) {
	t, err := transport.NewTCPTransportTimeout(c.cfg.Gateway, c.cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	if err := t.Send(eip.CommandListServices, nil, 0); err != nil {
		return nil, err
	}
	header, data, err := t.Receive()
	if err != nil {
		return nil, err
	}
	if header.Status != eip.StatusSuccess {
		return nil, fmt.Errorf("client: ListServices failed, encap status 0x%08X", header.Status)
	}
	return eip.DecodeListServicesResponse(data)
}

// ListTags enumerates every Symbol object instance (controller-scoped
// tags) by repeatedly calling GetInstanceAttributeList, following
// StatusPartialTransfer replies until the Symbol class is exhausted
// (spec.md §4.4).
func (c *Client) ListTags() ([]cip.TagListEntry, error) {
	var all []cip.TagListEntry
	startInstance := uint32(1)

	for {
		req := cip.NewListTagsRequest(nil, startInstance)
		resp, err := c.sendCIP(req, false)
		if err != nil {
			return nil, err
		}

		entries, derr := cip.DecodeListTagsResponse(resp.ResponseData)
		if derr != nil {
			return nil, fmt.Errorf("client: decode tag list: %w", derr)
		}
		all = append(all, entries...)

		if resp.GeneralStatus != cip.StatusPartialTransfer {
			if err := resp.Error(); err != nil {
				return nil, err
			}
			break
		}
		startInstance = cip.NextStartInstance(entries)
	}
	return all, nil
}

// UDTTemplate is a UDT's Template object metadata (spec.md §4.4) plus the
// raw member-description bytes streamed from the same instance. This
// library does not parse the member layout itself (spec.md §1 non-goal);
// it only retrieves the bytes a caller's own UDT decoder would need.
type UDTTemplate struct {
	Info *cip.TemplateInfo
	Data []byte
}

// ReadUDTTemplate fetches Template object metadata for templateInstance
// (the instance id a Logix ReadTag reports in a UDT-typed tag's data-type
// descriptor) and streams its raw member-description body via CipReadFrag
// against the Template class, following StatusPartialTransfer replies the
// same way ListTags follows the Symbol class.
func (c *Client) ReadUDTTemplate(templateInstance uint32) (*UDTTemplate, error) {
	attrReq := cip.NewTemplateAttributesRequest(templateInstance)
	attrResp, err := c.sendCIP(attrReq, false)
	if err != nil {
		return nil, err
	}
	if err := attrResp.Error(); err != nil {
		return nil, err
	}
	info, err := cip.DecodeTemplateAttributesResponse(attrResp.ResponseData)
	if err != nil {
		return nil, fmt.Errorf("client: decode template attributes: %w", err)
	}

	totalBytes := int(info.DefinitionSize) * 4
	data := make([]byte, 0, totalBytes)
	maxPayload := c.sess.MaxPayload()

	for len(data) < totalBytes {
		want := totalBytes - len(data)
		if want > maxPayload {
			want = maxPayload
		}
		req := cip.NewTemplateReadRequest(templateInstance, uint32(len(data)), uint16(want))
		resp, err := c.sendCIP(req, false)
		if err != nil {
			return nil, err
		}

		frag, derr := cip.DecodeReadTagResponse(resp.ResponseData)
		if derr != nil {
			return nil, fmt.Errorf("client: decode template fragment: %w", derr)
		}
		data = append(data, frag.Data...)

		if resp.GeneralStatus != cip.StatusPartialTransfer {
			if err := resp.Error(); err != nil {
				return nil, err
			}
			break
		}
	}

	return &UDTTemplate{Info: info, Data: data}, nil
}
