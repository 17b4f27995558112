// Package protocol implements the MariaDB/MySQL client/server wire protocol:
// packet framing, length-encoded values, the server-reply state machine and
// pluggable authentication exchanges.
package protocol

// Command bytes (first byte of a client request packet).
const (
	ComSleep           byte = 0x00
	ComQuit            byte = 0x01
	ComInitDB          byte = 0x02
	ComQuery           byte = 0x03
	ComFieldList       byte = 0x04
	ComCreateDB        byte = 0x05
	ComDropDB          byte = 0x06
	ComRefresh         byte = 0x07
	ComShutdown        byte = 0x08
	ComStatistics      byte = 0x09
	ComProcessInfo     byte = 0x0a
	ComConnect         byte = 0x0b
	ComProcessKill     byte = 0x0c
	ComDebug           byte = 0x0d
	ComPing            byte = 0x0e
	ComTime            byte = 0x0f
	ComDelayedInsert   byte = 0x10
	ComChangeUser      byte = 0x11
	ComBinlogDump      byte = 0x12
	ComTableDump       byte = 0x13
	ComConnectOut      byte = 0x14
	ComRegisterSlave   byte = 0x15
	ComStmtPrepare     byte = 0x16
	ComStmtExecute     byte = 0x17
	ComStmtSendLongData byte = 0x18
	ComStmtClose       byte = 0x19
	ComStmtReset       byte = 0x1a
	ComSetOption       byte = 0x1b
	ComStmtFetch       byte = 0x1c
	ComResetConnection byte = 0x1f
)

// Response header bytes.
const (
	HeaderOK          byte = 0x00
	HeaderEOF         byte = 0xfe
	HeaderErr         byte = 0xff
	HeaderLocalInfile byte = 0xfb
)

// Client capability flags (subset used for negotiation, §4.1.2).
const (
	ClientLongPassword uint32 = 1 << iota
	ClientFoundRows
	ClientLongFlag
	ClientConnectWithDB
	ClientNoSchema
	ClientCompress
	ClientODBC
	ClientLocalFiles
	ClientIgnoreSpace
	ClientProtocol41
	ClientInteractive
	ClientSSL
	ClientIgnoreSigpipe
	ClientTransactions
	ClientReserved
	ClientSecureConnection
	ClientMultiStatements
	ClientMultiResults
	ClientPSMultiResults
	ClientPluginAuth
	ClientConnectAttrs
	ClientPluginAuthLenencClientData
	ClientCanHandleExpiredPasswords
	ClientSessionTrack
	ClientDeprecateEOF
)

// ClientMySQL is the bit that (when clear) means the backend speaks the
// MariaDB dialect of the extended-capabilities handshake (§4.1.1).
const ClientMySQL uint32 = 1 << 28

// Server status flags (subset, from Protocol::OK_Packet / EOF_Packet).
const (
	ServerStatusInTrans          uint16 = 0x0001
	ServerStatusAutocommit       uint16 = 0x0002
	ServerMoreResultsExist       uint16 = 0x0008
	ServerStatusCursorExists     uint16 = 0x0040
	ServerSessionStateChanged    uint16 = 0x4000
)

// Session-tracker TLV types (§4.2, the OK-packet state-change list).
const (
	SessionTrackSystemVariables byte = 0x00
	SessionTrackSchema          byte = 0x01
	SessionTrackStateChange     byte = 0x02
	SessionTrackGTIDS           byte = 0x03
	SessionTrackTransactionCharacteristics byte = 0x04
	SessionTrackTransactionState byte = 0x05
)

// MaxPayload is the physical packet payload ceiling; a payload exactly this
// size means another physical packet with the same sequence-continuation
// follows (§3 Packet, the large-packet continuation rule).
const MaxPayload = 1<<24 - 1

// ErrUnknownStmtHandler is the error code synthesized for an unknown
// client-side prepared-statement id (§4.1.3, §6).
const ErrUnknownStmtHandler uint16 = 1243
