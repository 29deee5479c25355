package dimse

// Command-set definitions for the DIMSE services this repository speaks:
// C-ECHO (verification) and the N-CREATE/N-SET/N-ACTION/N-EVENT-REPORT
// quartet used by MPPS and Storage Commitment. Field layouts follow P3.7
// Table 9.3-x; unlike the teacher's generated C-STORE/C-FIND/C-MOVE/C-GET
// set these are hand-written, but in the same field-list-plus-Extra shape.

import (
	"fmt"

	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomio"
)

// Command field values. P3.7 Annex E.
const (
	CommandFieldCEchoRq         uint16 = 0x0030
	CommandFieldCEchoRsp        uint16 = 0x8030
	CommandFieldNEventReportRq  uint16 = 0x0100
	CommandFieldNEventReportRsp uint16 = 0x8100
	CommandFieldNSetRq          uint16 = 0x0120
	CommandFieldNSetRsp         uint16 = 0x8120
	CommandFieldNActionRq       uint16 = 0x0130
	CommandFieldNActionRsp      uint16 = 0x8130
	CommandFieldNCreateRq       uint16 = 0x0140
	CommandFieldNCreateRsp      uint16 = 0x8140
)

type C_ECHO_RQ struct {
	MessageID          uint16
	CommandDataSetType uint16
	Extra              []*dicom.DicomElement
}

func (v *C_ECHO_RQ) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, CommandFieldCEchoRq)
	encodeField(e, dicom.TagMessageID, v.MessageID)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	for _, elem := range v.Extra {
		dicom.EncodeDataElement(e, elem)
	}
}

func (v *C_ECHO_RQ) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_ECHO_RQ) String() string {
	return fmt.Sprintf("C_ECHO_RQ{MessageID:%v CommandDataSetType:%v}", v.MessageID, v.CommandDataSetType)
}

func decodeC_ECHO_RQ(d *dimseDecoder) *C_ECHO_RQ {
	v := &C_ECHO_RQ{}
	v.MessageID = d.getUInt16(dicom.TagMessageID, RequiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, RequiredElement)
	v.Extra = d.unparsedElements()
	return v
}

type C_ECHO_RSP struct {
	MessageIDBeingRespondedTo uint16
	CommandDataSetType        uint16
	Status                    Status
	Extra                     []*dicom.DicomElement
}

func (v *C_ECHO_RSP) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, CommandFieldCEchoRsp)
	encodeField(e, dicom.TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	encodeStatus(e, v.Status)
	for _, elem := range v.Extra {
		dicom.EncodeDataElement(e, elem)
	}
}

func (v *C_ECHO_RSP) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_ECHO_RSP) String() string {
	return fmt.Sprintf("C_ECHO_RSP{MessageIDBeingRespondedTo:%v CommandDataSetType:%v Status:%v}",
		v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.Status)
}

func decodeC_ECHO_RSP(d *dimseDecoder) *C_ECHO_RSP {
	v := &C_ECHO_RSP{}
	v.MessageIDBeingRespondedTo = d.getUInt16(dicom.TagMessageIDBeingRespondedTo, RequiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, RequiredElement)
	v.Status = d.getStatus()
	v.Extra = d.unparsedElements()
	return v
}

// N_CREATE_RQ is sent by an SCU to instantiate a new SOP instance of a
// normalized information object -- here, a new MODALITY PERFORMED PROCEDURE
// STEP instance "in progress". P3.7 Table 9.3-8.
type N_CREATE_RQ struct {
	AffectedSOPClassUID    string
	MessageID              uint16
	AffectedSOPInstanceUID string
	CommandDataSetType     uint16
	Extra                  []*dicom.DicomElement
}

func (v *N_CREATE_RQ) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, CommandFieldNCreateRq)
	encodeField(e, dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, dicom.TagMessageID, v.MessageID)
	if v.AffectedSOPInstanceUID != "" {
		encodeField(e, dicom.TagAffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	}
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	for _, elem := range v.Extra {
		dicom.EncodeDataElement(e, elem)
	}
}

func (v *N_CREATE_RQ) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *N_CREATE_RQ) String() string {
	return fmt.Sprintf("N_CREATE_RQ{AffectedSOPClassUID:%v MessageID:%v AffectedSOPInstanceUID:%v CommandDataSetType:%v}",
		v.AffectedSOPClassUID, v.MessageID, v.AffectedSOPInstanceUID, v.CommandDataSetType)
}

func decodeN_CREATE_RQ(d *dimseDecoder) *N_CREATE_RQ {
	v := &N_CREATE_RQ{}
	v.AffectedSOPClassUID = d.getString(dicom.TagAffectedSOPClassUID, RequiredElement)
	v.MessageID = d.getUInt16(dicom.TagMessageID, RequiredElement)
	v.AffectedSOPInstanceUID = d.getString(dicom.TagAffectedSOPInstanceUID, OptionalElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, RequiredElement)
	v.Extra = d.unparsedElements()
	return v
}

type N_CREATE_RSP struct {
	AffectedSOPClassUID        string
	MessageIDBeingRespondedTo  uint16
	CommandDataSetType         uint16
	AffectedSOPInstanceUID     string
	Status                     Status
	Extra                      []*dicom.DicomElement
}

func (v *N_CREATE_RSP) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, CommandFieldNCreateRsp)
	if v.AffectedSOPClassUID != "" {
		encodeField(e, dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	}
	encodeField(e, dicom.TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	if v.AffectedSOPInstanceUID != "" {
		encodeField(e, dicom.TagAffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	}
	encodeStatus(e, v.Status)
	for _, elem := range v.Extra {
		dicom.EncodeDataElement(e, elem)
	}
}

func (v *N_CREATE_RSP) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *N_CREATE_RSP) String() string {
	return fmt.Sprintf("N_CREATE_RSP{AffectedSOPClassUID:%v MessageIDBeingRespondedTo:%v CommandDataSetType:%v AffectedSOPInstanceUID:%v Status:%v}",
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.AffectedSOPInstanceUID, v.Status)
}

func decodeN_CREATE_RSP(d *dimseDecoder) *N_CREATE_RSP {
	v := &N_CREATE_RSP{}
	v.AffectedSOPClassUID = d.getString(dicom.TagAffectedSOPClassUID, OptionalElement)
	v.MessageIDBeingRespondedTo = d.getUInt16(dicom.TagMessageIDBeingRespondedTo, RequiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, RequiredElement)
	v.AffectedSOPInstanceUID = d.getString(dicom.TagAffectedSOPInstanceUID, OptionalElement)
	v.Status = d.getStatus()
	v.Extra = d.unparsedElements()
	return v
}

// N_SET_RQ carries a modification list against an existing SOP instance --
// here, the attribute updates (and final COMPLETED/DISCONTINUED state) of an
// in-progress MPPS instance. P3.7 Table 9.3-10.
type N_SET_RQ struct {
	RequestedSOPClassUID    string
	MessageID               uint16
	RequestedSOPInstanceUID string
	CommandDataSetType      uint16
	Extra                   []*dicom.DicomElement
}

func (v *N_SET_RQ) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, CommandFieldNSetRq)
	encodeField(e, dicom.TagRequestedSOPClassUID, v.RequestedSOPClassUID)
	encodeField(e, dicom.TagMessageID, v.MessageID)
	encodeField(e, dicom.TagRequestedSOPInstanceUID, v.RequestedSOPInstanceUID)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	for _, elem := range v.Extra {
		dicom.EncodeDataElement(e, elem)
	}
}

func (v *N_SET_RQ) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *N_SET_RQ) String() string {
	return fmt.Sprintf("N_SET_RQ{RequestedSOPClassUID:%v MessageID:%v RequestedSOPInstanceUID:%v CommandDataSetType:%v}",
		v.RequestedSOPClassUID, v.MessageID, v.RequestedSOPInstanceUID, v.CommandDataSetType)
}

func decodeN_SET_RQ(d *dimseDecoder) *N_SET_RQ {
	v := &N_SET_RQ{}
	v.RequestedSOPClassUID = d.getString(dicom.TagRequestedSOPClassUID, RequiredElement)
	v.MessageID = d.getUInt16(dicom.TagMessageID, RequiredElement)
	v.RequestedSOPInstanceUID = d.getString(dicom.TagRequestedSOPInstanceUID, RequiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, RequiredElement)
	v.Extra = d.unparsedElements()
	return v
}

type N_SET_RSP struct {
	AffectedSOPClassUID    string
	MessageIDBeingRespondedTo uint16
	CommandDataSetType     uint16
	AffectedSOPInstanceUID string
	Status                 Status
	Extra                  []*dicom.DicomElement
}

func (v *N_SET_RSP) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, CommandFieldNSetRsp)
	if v.AffectedSOPClassUID != "" {
		encodeField(e, dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	}
	encodeField(e, dicom.TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	if v.AffectedSOPInstanceUID != "" {
		encodeField(e, dicom.TagAffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	}
	encodeStatus(e, v.Status)
	for _, elem := range v.Extra {
		dicom.EncodeDataElement(e, elem)
	}
}

func (v *N_SET_RSP) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *N_SET_RSP) String() string {
	return fmt.Sprintf("N_SET_RSP{AffectedSOPClassUID:%v MessageIDBeingRespondedTo:%v CommandDataSetType:%v AffectedSOPInstanceUID:%v Status:%v}",
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.AffectedSOPInstanceUID, v.Status)
}

func decodeN_SET_RSP(d *dimseDecoder) *N_SET_RSP {
	v := &N_SET_RSP{}
	v.AffectedSOPClassUID = d.getString(dicom.TagAffectedSOPClassUID, OptionalElement)
	v.MessageIDBeingRespondedTo = d.getUInt16(dicom.TagMessageIDBeingRespondedTo, RequiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, RequiredElement)
	v.AffectedSOPInstanceUID = d.getString(dicom.TagAffectedSOPInstanceUID, OptionalElement)
	v.Status = d.getStatus()
	v.Extra = d.unparsedElements()
	return v
}

// N_ACTION_RQ invokes an action against an SOP instance -- here, Storage
// Commitment's N-ACTION-TYPE 1 ("Request Storage Commitment"), carrying the
// UID list of instances to commit in its data set. P3.7 Table 9.3-12.
type N_ACTION_RQ struct {
	RequestedSOPClassUID    string
	MessageID               uint16
	RequestedSOPInstanceUID string
	ActionTypeID            uint16
	CommandDataSetType      uint16
	Extra                   []*dicom.DicomElement
}

func (v *N_ACTION_RQ) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, CommandFieldNActionRq)
	encodeField(e, dicom.TagRequestedSOPClassUID, v.RequestedSOPClassUID)
	encodeField(e, dicom.TagMessageID, v.MessageID)
	encodeField(e, dicom.TagRequestedSOPInstanceUID, v.RequestedSOPInstanceUID)
	encodeField(e, dicom.TagActionTypeID, v.ActionTypeID)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	for _, elem := range v.Extra {
		dicom.EncodeDataElement(e, elem)
	}
}

func (v *N_ACTION_RQ) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *N_ACTION_RQ) String() string {
	return fmt.Sprintf("N_ACTION_RQ{RequestedSOPClassUID:%v MessageID:%v RequestedSOPInstanceUID:%v ActionTypeID:%v CommandDataSetType:%v}",
		v.RequestedSOPClassUID, v.MessageID, v.RequestedSOPInstanceUID, v.ActionTypeID, v.CommandDataSetType)
}

func decodeN_ACTION_RQ(d *dimseDecoder) *N_ACTION_RQ {
	v := &N_ACTION_RQ{}
	v.RequestedSOPClassUID = d.getString(dicom.TagRequestedSOPClassUID, RequiredElement)
	v.MessageID = d.getUInt16(dicom.TagMessageID, RequiredElement)
	v.RequestedSOPInstanceUID = d.getString(dicom.TagRequestedSOPInstanceUID, RequiredElement)
	v.ActionTypeID = d.getUInt16(dicom.TagActionTypeID, RequiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, RequiredElement)
	v.Extra = d.unparsedElements()
	return v
}

type N_ACTION_RSP struct {
	AffectedSOPClassUID       string
	MessageIDBeingRespondedTo uint16
	CommandDataSetType        uint16
	AffectedSOPInstanceUID    string
	ActionTypeID              uint16
	Status                    Status
	Extra                     []*dicom.DicomElement
}

func (v *N_ACTION_RSP) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, CommandFieldNActionRsp)
	if v.AffectedSOPClassUID != "" {
		encodeField(e, dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	}
	encodeField(e, dicom.TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	if v.AffectedSOPInstanceUID != "" {
		encodeField(e, dicom.TagAffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	}
	if v.ActionTypeID != 0 {
		encodeField(e, dicom.TagActionTypeID, v.ActionTypeID)
	}
	encodeStatus(e, v.Status)
	for _, elem := range v.Extra {
		dicom.EncodeDataElement(e, elem)
	}
}

func (v *N_ACTION_RSP) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *N_ACTION_RSP) String() string {
	return fmt.Sprintf("N_ACTION_RSP{AffectedSOPClassUID:%v MessageIDBeingRespondedTo:%v CommandDataSetType:%v AffectedSOPInstanceUID:%v ActionTypeID:%v Status:%v}",
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.AffectedSOPInstanceUID, v.ActionTypeID, v.Status)
}

func decodeN_ACTION_RSP(d *dimseDecoder) *N_ACTION_RSP {
	v := &N_ACTION_RSP{}
	v.AffectedSOPClassUID = d.getString(dicom.TagAffectedSOPClassUID, OptionalElement)
	v.MessageIDBeingRespondedTo = d.getUInt16(dicom.TagMessageIDBeingRespondedTo, RequiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, RequiredElement)
	v.AffectedSOPInstanceUID = d.getString(dicom.TagAffectedSOPInstanceUID, OptionalElement)
	v.ActionTypeID = d.getUInt16(dicom.TagActionTypeID, OptionalElement)
	v.Status = d.getStatus()
	v.Extra = d.unparsedElements()
	return v
}

// N_EVENT_REPORT_RQ delivers Storage Commitment's deferred notification --
// EventTypeID 1 ("Storage Commitment Request Successful") or 2 ("... Complete
// - Failures Exist") -- carrying the referenced/failed SOP sequences in its
// data set. P3.7 Table 9.3-1 (N-EVENT-REPORT service, as profiled by PS3.4
// Annex J for the push model).
type N_EVENT_REPORT_RQ struct {
	AffectedSOPClassUID    string
	MessageID              uint16
	AffectedSOPInstanceUID string
	EventTypeID            uint16
	CommandDataSetType     uint16
	Extra                  []*dicom.DicomElement
}

func (v *N_EVENT_REPORT_RQ) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, CommandFieldNEventReportRq)
	encodeField(e, dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, dicom.TagMessageID, v.MessageID)
	encodeField(e, dicom.TagAffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	encodeField(e, dicom.TagEventTypeID, v.EventTypeID)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	for _, elem := range v.Extra {
		dicom.EncodeDataElement(e, elem)
	}
}

func (v *N_EVENT_REPORT_RQ) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *N_EVENT_REPORT_RQ) String() string {
	return fmt.Sprintf("N_EVENT_REPORT_RQ{AffectedSOPClassUID:%v MessageID:%v AffectedSOPInstanceUID:%v EventTypeID:%v CommandDataSetType:%v}",
		v.AffectedSOPClassUID, v.MessageID, v.AffectedSOPInstanceUID, v.EventTypeID, v.CommandDataSetType)
}

func decodeN_EVENT_REPORT_RQ(d *dimseDecoder) *N_EVENT_REPORT_RQ {
	v := &N_EVENT_REPORT_RQ{}
	v.AffectedSOPClassUID = d.getString(dicom.TagAffectedSOPClassUID, RequiredElement)
	v.MessageID = d.getUInt16(dicom.TagMessageID, RequiredElement)
	v.AffectedSOPInstanceUID = d.getString(dicom.TagAffectedSOPInstanceUID, RequiredElement)
	v.EventTypeID = d.getUInt16(dicom.TagEventTypeID, RequiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, RequiredElement)
	v.Extra = d.unparsedElements()
	return v
}

type N_EVENT_REPORT_RSP struct {
	AffectedSOPClassUID       string
	MessageIDBeingRespondedTo uint16
	CommandDataSetType        uint16
	AffectedSOPInstanceUID    string
	EventTypeID               uint16
	Status                    Status
	Extra                     []*dicom.DicomElement
}

func (v *N_EVENT_REPORT_RSP) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, CommandFieldNEventReportRsp)
	if v.AffectedSOPClassUID != "" {
		encodeField(e, dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	}
	encodeField(e, dicom.TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	if v.AffectedSOPInstanceUID != "" {
		encodeField(e, dicom.TagAffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	}
	if v.EventTypeID != 0 {
		encodeField(e, dicom.TagEventTypeID, v.EventTypeID)
	}
	encodeStatus(e, v.Status)
	for _, elem := range v.Extra {
		dicom.EncodeDataElement(e, elem)
	}
}

func (v *N_EVENT_REPORT_RSP) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *N_EVENT_REPORT_RSP) String() string {
	return fmt.Sprintf("N_EVENT_REPORT_RSP{AffectedSOPClassUID:%v MessageIDBeingRespondedTo:%v CommandDataSetType:%v AffectedSOPInstanceUID:%v EventTypeID:%v Status:%v}",
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.AffectedSOPInstanceUID, v.EventTypeID, v.Status)
}

func decodeN_EVENT_REPORT_RSP(d *dimseDecoder) *N_EVENT_REPORT_RSP {
	v := &N_EVENT_REPORT_RSP{}
	v.AffectedSOPClassUID = d.getString(dicom.TagAffectedSOPClassUID, OptionalElement)
	v.MessageIDBeingRespondedTo = d.getUInt16(dicom.TagMessageIDBeingRespondedTo, RequiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, RequiredElement)
	v.AffectedSOPInstanceUID = d.getString(dicom.TagAffectedSOPInstanceUID, OptionalElement)
	v.EventTypeID = d.getUInt16(dicom.TagEventTypeID, OptionalElement)
	v.Status = d.getStatus()
	v.Extra = d.unparsedElements()
	return v
}

func decodeMessageForType(d *dimseDecoder, commandField uint16) Message {
	switch commandField {
	case CommandFieldCEchoRq:
		return decodeC_ECHO_RQ(d)
	case CommandFieldCEchoRsp:
		return decodeC_ECHO_RSP(d)
	case CommandFieldNCreateRq:
		return decodeN_CREATE_RQ(d)
	case CommandFieldNCreateRsp:
		return decodeN_CREATE_RSP(d)
	case CommandFieldNSetRq:
		return decodeN_SET_RQ(d)
	case CommandFieldNSetRsp:
		return decodeN_SET_RSP(d)
	case CommandFieldNActionRq:
		return decodeN_ACTION_RQ(d)
	case CommandFieldNActionRsp:
		return decodeN_ACTION_RSP(d)
	case CommandFieldNEventReportRq:
		return decodeN_EVENT_REPORT_RQ(d)
	case CommandFieldNEventReportRsp:
		return decodeN_EVENT_REPORT_RSP(d)
	default:
		d.setError(fmt.Errorf("unknown DIMSE command 0x%x", commandField))
		return nil
	}
}
