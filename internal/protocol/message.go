package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Opcode identifies an OBC command. The set is fixed by the flight software;
// values outside the catalogue can still be sent as arbitrary commands.
type Opcode uint8

const (
	OpPingOBC                 Opcode = 0x00
	OpGetRTC                  Opcode = 0x01
	OpSetRTC                  Opcode = 0x02
	OpReadOBCEEPROM           Opcode = 0x03
	OpEraseOBCEEPROM          Opcode = 0x04
	OpReadOBCRAMByte          Opcode = 0x05
	OpReadDataBlock           Opcode = 0x10
	OpReadPrimCmdBlocks       Opcode = 0x11
	OpReadSecCmdBlocks        Opcode = 0x12
	OpReadRecStatusInfo       Opcode = 0x13
	OpReadRecLocDataBlock     Opcode = 0x14
	OpReadRawMemBytes         Opcode = 0x15
	OpColDataBlock            Opcode = 0x20
	OpGetAutoDataColSettings  Opcode = 0x21
	OpSetAutoDataColEnable    Opcode = 0x22
	OpSetAutoDataColPeriod    Opcode = 0x23
	OpResyncAutoDataColTimers Opcode = 0x24
	OpGetCurBlockNums         Opcode = 0x30
	OpSetCurBlockNum          Opcode = 0x31
	OpGetMemSecAddrs          Opcode = 0x32
	OpSetMemSecStartAddr      Opcode = 0x33
	OpSetMemSecEndAddr        Opcode = 0x34
	OpEraseMemPhySector       Opcode = 0x35
	OpEraseMemPhyBlock        Opcode = 0x36
	OpEraseAllMem             Opcode = 0x37
	OpSendEPSCANMsg           Opcode = 0x40
	OpSendPAYCANMsg           Opcode = 0x41
	OpActPayMotors            Opcode = 0x42
	OpResetSubsys             Opcode = 0x43
	OpSetIndefLPMEnable       Opcode = 0x44
)

var opcodeNames = map[Opcode]string{
	OpPingOBC:                 "PING_OBC",
	OpGetRTC:                  "GET_RTC",
	OpSetRTC:                  "SET_RTC",
	OpReadOBCEEPROM:           "READ_OBC_EEPROM",
	OpEraseOBCEEPROM:          "ERASE_OBC_EEPROM",
	OpReadOBCRAMByte:          "READ_OBC_RAM_BYTE",
	OpReadDataBlock:           "READ_DATA_BLOCK",
	OpReadPrimCmdBlocks:       "READ_PRIM_CMD_BLOCKS",
	OpReadSecCmdBlocks:        "READ_SEC_CMD_BLOCKS",
	OpReadRecStatusInfo:       "READ_REC_STATUS_INFO",
	OpReadRecLocDataBlock:     "READ_REC_LOC_DATA_BLOCK",
	OpReadRawMemBytes:         "READ_RAW_MEM_BYTES",
	OpColDataBlock:            "COL_DATA_BLOCK",
	OpGetAutoDataColSettings:  "GET_AUTO_DATA_COL_SETTINGS",
	OpSetAutoDataColEnable:    "SET_AUTO_DATA_COL_ENABLE",
	OpSetAutoDataColPeriod:    "SET_AUTO_DATA_COL_PERIOD",
	OpResyncAutoDataColTimers: "RESYNC_AUTO_DATA_COL_TIMERS",
	OpGetCurBlockNums:         "GET_CUR_BLOCK_NUMS",
	OpSetCurBlockNum:          "SET_CUR_BLOCK_NUM",
	OpGetMemSecAddrs:          "GET_MEM_SEC_ADDRS",
	OpSetMemSecStartAddr:      "SET_MEM_SEC_START_ADDR",
	OpSetMemSecEndAddr:        "SET_MEM_SEC_END_ADDR",
	OpEraseMemPhySector:       "ERASE_MEM_PHY_SECTOR",
	OpEraseMemPhyBlock:        "ERASE_MEM_PHY_BLOCK",
	OpEraseAllMem:             "ERASE_ALL_MEM",
	OpSendEPSCANMsg:           "SEND_EPS_CAN_MSG",
	OpSendPAYCANMsg:           "SEND_PAY_CAN_MSG",
	OpActPayMotors:            "ACT_PAY_MOTORS",
	OpResetSubsys:             "RESET_SUBSYS",
	OpSetIndefLPMEnable:       "SET_INDEF_LPM_ENABLE",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_0x%02X", uint8(o))
}

// Known reports whether the opcode is part of the flight software catalogue.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}

// ParseOpcode accepts a catalogue name (case-insensitive) or a number
// in any base strconv understands ("0x10", "16").
func ParseOpcode(s string) (Opcode, error) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)
	for op, name := range opcodeNames {
		if name == upper {
			return op, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown opcode %q", s)
	}
	return Opcode(n), nil
}

// Status is the OBC's verdict on a request, carried in every inbound packet.
type Status uint8

const (
	StatusOK               Status = 0
	StatusInvalidPacket    Status = 1
	StatusInvalidDecFormat Status = 2
	StatusInvalidOpcode    Status = 3
	StatusInvalidPassword  Status = 4
	StatusFullCmdQueue     Status = 5
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusInvalidPacket:
		return "INVALID_PACKET"
	case StatusInvalidDecFormat:
		return "INVALID_DEC_FORMAT"
	case StatusInvalidOpcode:
		return "INVALID_OPCODE"
	case StatusInvalidPassword:
		return "INVALID_PASSWORD"
	case StatusFullCmdQueue:
		return "FULL_CMD_QUEUE"
	default:
		return fmt.Sprintf("STATUS_%d", uint8(s))
	}
}

// Rejected reports whether the OBC refused the request. Resending a
// rejected request reproduces the same verdict.
func (s Status) Rejected() bool { return s != StatusOK }
