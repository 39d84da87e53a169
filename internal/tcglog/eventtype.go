// This file is part of pcr-oracle
// SPDX-License-Identifier: GPL-3.0-only

// Package tcglog parses the TCG crypto-agile binary event log format (TCG PC
// Client Platform Firmware Profile §9) into a typed stream of events, each
// carrying its per-algorithm digests. This is the core reader the predictor
// replays and re-hashes; it is not delegated to a third-party library.
package tcglog

import "fmt"

// EventType is one of the TCG EV_* event type tags.
type EventType uint32

// The event types the predictor must be able to dispatch on. Unknown values
// encountered in a real log are preserved as-is; the zero value is never a
// valid event type in a well-formed log.
const (
	EventTypePrebootCert                EventType = 0x00000000
	EventTypePostCode                   EventType = 0x00000001
	EventTypeUnused                     EventType = 0x00000002
	EventTypeNoAction                   EventType = 0x00000003
	EventTypeSeparator                  EventType = 0x00000004
	EventTypeAction                     EventType = 0x00000005
	EventTypeEventTag                   EventType = 0x00000006
	EventTypeSCRTMContents              EventType = 0x00000007
	EventTypeSCRTMVersion               EventType = 0x00000008
	EventTypeCPUMicrocode               EventType = 0x00000009
	EventTypePlatformConfigFlags        EventType = 0x0000000a
	EventTypeTableOfDevices             EventType = 0x0000000b
	EventTypeCompactHash                EventType = 0x0000000c
	EventTypeIPL                        EventType = 0x0000000d
	EventTypeIPLPartitionData           EventType = 0x0000000e
	EventTypeNonhostCode                EventType = 0x0000000f
	EventTypeNonhostConfig              EventType = 0x00000010
	EventTypeNonhostInfo                EventType = 0x00000011
	EventTypeOmitBootDeviceEvents       EventType = 0x00000012
	EventTypeEFIVariableDriverConfig    EventType = 0x80000001
	EventTypeEFIVariableBoot            EventType = 0x80000002
	EventTypeEFIBootServicesApplication EventType = 0x80000003
	EventTypeEFIBootServicesDriver      EventType = 0x80000004
	EventTypeEFIRuntimeServicesDriver   EventType = 0x80000005
	EventTypeEFIGPTEvent                EventType = 0x80000006
	EventTypeEFIAction                  EventType = 0x80000007
	EventTypeEFIPlatformFirmwareBlob    EventType = 0x80000008
	EventTypeEFIHandoffTables           EventType = 0x80000009
	EventTypeEFIHCRTMEvent              EventType = 0x80000010
	EventTypeEFIVariableBoot2           EventType = 0x80000011
	EventTypeEFIGPTEvent2               EventType = 0x80000012
	EventTypeEFIVariableAuthority       EventType = 0x800000e0
	EventTypeEFISPDMFirmwareBlob        EventType = 0x800000e1
	EventTypeEFISPDMFirmwareConfig      EventType = 0x800000e2
)

var eventTypeLabels = map[EventType]string{
	EventTypePrebootCert:                "EV_PREBOOT_CERT",
	EventTypePostCode:                   "EV_POST_CODE",
	EventTypeUnused:                     "EV_UNUSED",
	EventTypeNoAction:                   "EV_NO_ACTION",
	EventTypeSeparator:                  "EV_SEPARATOR",
	EventTypeAction:                     "EV_ACTION",
	EventTypeEventTag:                   "EV_EVENT_TAG",
	EventTypeSCRTMContents:              "EV_S_CRTM_CONTENTS",
	EventTypeSCRTMVersion:               "EV_S_CRTM_VERSION",
	EventTypeCPUMicrocode:               "EV_CPU_MICROCODE",
	EventTypePlatformConfigFlags:        "EV_PLATFORM_CONFIG_FLAGS",
	EventTypeTableOfDevices:             "EV_TABLE_OF_DEVICES",
	EventTypeCompactHash:                "EV_COMPACT_HASH",
	EventTypeIPL:                        "EV_IPL",
	EventTypeIPLPartitionData:           "EV_IPL_PARTITION_DATA",
	EventTypeNonhostCode:                "EV_NONHOST_CODE",
	EventTypeNonhostConfig:              "EV_NONHOST_CONFIG",
	EventTypeNonhostInfo:                "EV_NONHOST_INFO",
	EventTypeOmitBootDeviceEvents:       "EV_OMIT_BOOT_DEVICE_EVENTS",
	EventTypeEFIVariableDriverConfig:    "EV_EFI_VARIABLE_DRIVER_CONFIG",
	EventTypeEFIVariableBoot:            "EV_EFI_VARIABLE_BOOT",
	EventTypeEFIBootServicesApplication: "EV_EFI_BOOT_SERVICES_APPLICATION",
	EventTypeEFIBootServicesDriver:      "EV_EFI_BOOT_SERVICES_DRIVER",
	EventTypeEFIRuntimeServicesDriver:   "EV_EFI_RUNTIME_SERVICES_DRIVER",
	EventTypeEFIGPTEvent:                "EV_EFI_GPT_EVENT",
	EventTypeEFIAction:                  "EV_EFI_ACTION",
	EventTypeEFIPlatformFirmwareBlob:    "EV_EFI_PLATFORM_FIRMWARE_BLOB",
	EventTypeEFIHandoffTables:           "EV_EFI_HANDOFF_TABLES",
	EventTypeEFIHCRTMEvent:              "EV_EFI_HCRTM_EVENT",
	EventTypeEFIVariableBoot2:           "EV_EFI_VARIABLE_BOOT2",
	EventTypeEFIGPTEvent2:               "EV_EFI_GPT_EVENT2",
	EventTypeEFIVariableAuthority:       "EV_EFI_VARIABLE_AUTHORITY",
	EventTypeEFISPDMFirmwareBlob:        "EV_EFI_SPDM_FIRMWARE_BLOB",
	EventTypeEFISPDMFirmwareConfig:      "EV_EFI_SPDM_FIRMWARE_CONFIG",
}

// String renders the TCG EV_* mnemonic, or a raw hex tag for event types the
// predictor does not recognize by name (it still processes them: unknown
// types default to UseOriginalDigest in the scanner dispatch).
func (t EventType) String() string {
	if s, ok := eventTypeLabels[t]; ok {
		return s
	}
	return fmt.Sprintf("EV_UNKNOWN(%#08x)", uint32(t))
}
