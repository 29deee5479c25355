package dimse

// Implements message types defined in P3.7.
//
// http://dicom.nema.org/medical/dicom/current/output/pdf/part07.pdf

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/glog"
	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"github.com/dicomkit/mppscmt/pdu"
)

// Message is the common interface for all DIMSE command sets (C-ECHO,
// N-CREATE, N-SET, N-ACTION, N-EVENT-REPORT, ...).
type Message interface {
	fmt.Stringer // Print human-readable description for debugging.
	Encode(*dicomio.Encoder)
	HasData() bool // Do we expect data P_DATA_TF packets after the command packets?
}

// Helper class for extracting values from a list of DicomElement.
type dimseDecoder struct {
	elems []*dicom.DicomElement
	err   error
}

type isOptionalElement int

const (
	RequiredElement isOptionalElement = iota
	OptionalElement
)

func (d *dimseDecoder) setError(err error) {
	if d.err == nil {
		d.err = err
	}
}

// findElement returns the element with the given tag. If optional==OptionalElement, returns nil
// if not found.  If optional==RequiredElement, sets d.err and returns nil if not found.
func (d *dimseDecoder) findElement(tag dicom.Tag, optional isOptionalElement) *dicom.DicomElement {
	for _, elem := range d.elems {
		if elem.Tag == tag {
			glog.V(2).Infof("Return %v for %s", elem, tag.String())
			return elem
		}
	}
	if optional == RequiredElement {
		d.setError(fmt.Errorf("element %s not found during DIMSE decoding", dicom.TagString(tag)))
	}
	return nil
}

// getString finds an element with "tag" and extracts a string value from it. Errors are reported in d.err.
func (d *dimseDecoder) getString(tag dicom.Tag, optional isOptionalElement) string {
	e := d.findElement(tag, optional)
	if e == nil {
		return ""
	}
	v, err := e.GetString()
	if err != nil {
		d.setError(err)
	}
	return v
}

// getUInt32 finds an element with "tag" and extracts a uint32 from it. Errors are reported in d.err.
func (d *dimseDecoder) getUInt32(tag dicom.Tag, optional isOptionalElement) uint32 {
	e := d.findElement(tag, optional)
	if e == nil {
		return 0
	}
	v, err := e.GetUInt32()
	if err != nil {
		d.setError(err)
	}
	return v
}

// getUInt16 finds an element with "tag" and extracts a uint16 from it. Errors are reported in d.err.
func (d *dimseDecoder) getUInt16(tag dicom.Tag, optional isOptionalElement) uint16 {
	e := d.findElement(tag, optional)
	if e == nil {
		return 0
	}
	v, err := e.GetUInt16()
	if err != nil {
		d.setError(err)
	}
	return v
}

// unparsedElements returns every decoded element of the command set,
// including the ones the decoders read by tag: it does not filter those
// out, so a decoded message's Extra repeats its named fields alongside any
// the command-set definitions don't name (e.g. vendor-private attributes).
func (d *dimseDecoder) unparsedElements() []*dicom.DicomElement {
	return d.elems
}

// getStatus finds the Status (0000,0900) element and the optional
// ErrorComment (0000,0902), and assembles a Status value from them.
func (d *dimseDecoder) getStatus() Status {
	code := d.getUInt16(dicom.TagStatus, RequiredElement)
	comment := d.getString(dicom.TagErrorComment, OptionalElement)
	return Status{Status: StatusCode(code), ErrorComment: comment}
}

// encodeStatus writes a Status value's Status and (if non-empty) ErrorComment
// fields.
func encodeStatus(e *dicomio.Encoder, s Status) {
	encodeField(e, dicom.TagStatus, uint16(s.Status))
	if s.ErrorComment != "" {
		encodeField(e, dicom.TagErrorComment, s.ErrorComment)
	}
}

// encodeField encodes a DIMSE field with the given tag and value "v".
func encodeField(e *dicomio.Encoder, tag dicom.Tag, v interface{}) {
	elem := dicom.DicomElement{
		Tag:   tag,
		Vr:    "", // autodetect
		Vl:    1,
		Value: []interface{}{v},
	}
	dicom.EncodeDataElement(e, &elem)
}

const CommandDataSetTypeNull uint16 = 0x101

func ReadMessage(d *dicomio.Decoder) Message {
	// A DIMSE message is a sequence of DicomElements, encoded in implicit
	// LE. P3.7 6.3.1.
	var elems []*dicom.DicomElement
	d.PushTransferSyntax(binary.LittleEndian, dicomio.ImplicitVR)
	defer d.PopTransferSyntax()
	for d.Len() > 0 {
		elem := dicom.ReadDataElement(d)
		if d.Error() != nil {
			break
		}
		elems = append(elems, elem)
	}

	dd := dimseDecoder{elems: elems, err: nil}
	commandField := dd.getUInt16(dicom.TagCommandField, RequiredElement)
	if dd.err != nil {
		d.SetError(dd.err)
		return nil
	}
	v := decodeMessageForType(&dd, commandField)
	if dd.err != nil {
		d.SetError(dd.err)
		return nil
	}
	return v
}

func EncodeMessage(e *dicomio.Encoder, v Message) {
	// DIMSE messages are always encoded Implicit+LE. See P3.7 6.3.1.
	subEncoder := dicomio.NewEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	v.Encode(subEncoder)
	bytes, err := subEncoder.Finish()
	if err != nil {
		e.SetError(err)
		return
	}
	e.PushTransferSyntax(binary.LittleEndian, dicomio.ImplicitVR)
	defer e.PopTransferSyntax()
	encodeField(e, dicom.TagCommandGroupLength, uint32(len(bytes)))
	e.WriteBytes(bytes)
}

// CommandAssembler reassembles a DIMSE command message and its optional data
// payload from a sequence of P_DATA_TF PDUs.
type CommandAssembler struct {
	contextID      byte
	commandBytes   []byte
	command        Message
	dataBytes      []byte
	readAllCommand bool

	readAllData bool
}

// ErrPresentationContextsDiffer is returned by AddDataPDU when a dataset
// PDV arrives tagged with a presentation-context id different from the
// command it follows (spec.md §4.2's "presentation-contexts-differ"
// check). Unlike every other error AddDataPDU can return, this one still
// carries the already-decoded command and the context id it arrived on,
// so the caller can answer it with a DIMSE status instead of aborting the
// association (§8 scenario 6: "association continues").
var ErrPresentationContextsDiffer = fmt.Errorf("P_DATA_TF: dataset presentation context differs from command's")

// AddDataPDU adds a P_DATA_TF fragment. If the final fragment is received, it
// returns <contextID, command, payload, nil>. If it expects more fragments,
// it returns <0, nil, nil, nil>. On error, the final return value is non-nil;
// if that error is ErrPresentationContextsDiffer, command is also non-nil.
func (a *CommandAssembler) AddDataPDU(p *pdu.P_DATA_TF) (byte, Message, []byte, error) {
	for _, item := range p.Items {
		if a.contextID == 0 {
			a.contextID = item.ContextID
		} else if a.contextID != item.ContextID {
			if a.command != nil {
				contextID := a.contextID
				command := a.command
				*a = CommandAssembler{}
				return contextID, command, nil, ErrPresentationContextsDiffer
			}
			return 0, nil, nil, fmt.Errorf("mixed context in P_DATA_TF: %d %d", a.contextID, item.ContextID)
		}
		if item.Command {
			a.commandBytes = append(a.commandBytes, item.Value...)
			if item.Last {
				if a.readAllCommand {
					return 0, nil, nil, fmt.Errorf("P_DATA_TF: found >1 command chunks with the Last bit set")
				}
				a.readAllCommand = true
			}
		} else {
			a.dataBytes = append(a.dataBytes, item.Value...)
			if item.Last {
				if a.readAllData {
					return 0, nil, nil, fmt.Errorf("P_DATA_TF: found >1 data chunks with the Last bit set")
				}
				a.readAllData = true
			}
		}
	}
	if !a.readAllCommand {
		return 0, nil, nil, nil
	}
	if a.command == nil {
		d := dicomio.NewBytesDecoder(a.commandBytes, nil, dicomio.UnknownVR)
		a.command = ReadMessage(d)
		if err := d.Finish(); err != nil {
			return 0, nil, nil, err
		}
	}
	if a.command.HasData() && !a.readAllData {
		return 0, nil, nil, nil
	}
	contextID := a.contextID
	command := a.command
	dataBytes := a.dataBytes
	*a = CommandAssembler{}
	return contextID, command, dataBytes, nil
}
