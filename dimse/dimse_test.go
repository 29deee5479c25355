package dimse_test

import (
	"encoding/binary"
	"testing"

	"github.com/yasushi-saito/go-dicom/dicomio"
	"github.com/dicomkit/mppscmt/dimse"
)

func testDIMSE(t *testing.T, v dimse.Message) {
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	dimse.EncodeMessage(e, v)
	bytes := e.Bytes()
	d := dicomio.NewBytesDecoder(bytes, binary.LittleEndian, dicomio.ImplicitVR)
	v2 := dimse.ReadMessage(d)
	if err := d.Finish(); err != nil {
		t.Fatal(err)
	}
	if v.String() != v2.String() {
		t.Errorf("%v <-> %v", v, v2)
	}
}

func TestCEchoRq(t *testing.T) {
	testDIMSE(t, &dimse.C_ECHO_RQ{MessageID: 0x1234, CommandDataSetType: dimse.CommandDataSetTypeNull})
}

func TestCEchoRsp(t *testing.T) {
	testDIMSE(t, &dimse.C_ECHO_RSP{
		MessageIDBeingRespondedTo: 0x1234,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		Status:                    dimse.Success,
	})
}

func TestNCreateRq(t *testing.T) {
	testDIMSE(t, &dimse.N_CREATE_RQ{
		AffectedSOPClassUID:    "1.2.840.10008.3.1.2.3.3",
		MessageID:              1,
		AffectedSOPInstanceUID: "1.2.3.4.5",
		CommandDataSetType:     1,
	})
}

func TestNCreateRsp(t *testing.T) {
	testDIMSE(t, &dimse.N_CREATE_RSP{
		AffectedSOPClassUID:      "1.2.840.10008.3.1.2.3.3",
		MessageIDBeingRespondedTo: 1,
		CommandDataSetType:       dimse.CommandDataSetTypeNull,
		AffectedSOPInstanceUID:   "1.2.3.4.5",
		Status:                   dimse.Success,
	})
}

func TestNSetRq(t *testing.T) {
	testDIMSE(t, &dimse.N_SET_RQ{
		RequestedSOPClassUID:    "1.2.840.10008.3.1.2.3.3",
		MessageID:               2,
		RequestedSOPInstanceUID: "1.2.3.4.5",
		CommandDataSetType:      1,
	})
}

func TestNSetRsp(t *testing.T) {
	testDIMSE(t, &dimse.N_SET_RSP{
		MessageIDBeingRespondedTo: 2,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		Status:                    dimse.Status{Status: dimse.StatusAttributeListError, ErrorComment: "missing attribute"},
	})
}

func TestNActionRq(t *testing.T) {
	testDIMSE(t, &dimse.N_ACTION_RQ{
		RequestedSOPClassUID:    "1.2.840.10008.1.20.1",
		MessageID:               3,
		RequestedSOPInstanceUID: "1.2.840.10008.1.20.1.1",
		ActionTypeID:            1,
		CommandDataSetType:      1,
	})
}

func TestNActionRsp(t *testing.T) {
	testDIMSE(t, &dimse.N_ACTION_RSP{
		MessageIDBeingRespondedTo: 3,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		Status:                    dimse.Success,
	})
}

func TestNEventReportRq(t *testing.T) {
	testDIMSE(t, &dimse.N_EVENT_REPORT_RQ{
		AffectedSOPClassUID:    "1.2.840.10008.1.20.1",
		MessageID:              4,
		AffectedSOPInstanceUID: "1.2.840.10008.1.20.1.1",
		EventTypeID:            1,
		CommandDataSetType:     1,
	})
}

func TestNEventReportRsp(t *testing.T) {
	testDIMSE(t, &dimse.N_EVENT_REPORT_RSP{
		MessageIDBeingRespondedTo: 4,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		EventTypeID:               1,
		Status:                    dimse.Success,
	})
}
