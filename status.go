package ftpserver

// Reply codes used throughout the command handlers. The numbering follows
// RFC 959, extended by RFC 2228 (security), RFC 2389 (FEAT/OPTS) and RFC 2428
// (EPRT/EPSV) the way the rest of this package implements them.
const (
	StatusFileStatusOK                     = 150 // Opening data connection
	StatusOK                               = 200 // NOOP, TYPE, PORT, ...
	StatusCommandNotImplementedSuperfluous = 202 // ACCT, ALLO
	StatusSystemStatus                     = 211 // FEAT multi-line header/footer, server STAT
	StatusDirectoryStatus                  = 212 // STAT on a directory
	StatusFileStatus                       = 213 // SIZE, MDTM, file/dir STAT
	StatusSystemType                       = 215 // SYST
	StatusServiceReady                     = 220 // greeting
	StatusClosingControlConn               = 221 // QUIT
	StatusTransferOK                       = 226 // LIST/NLST "Transfer OK"
	StatusClosingDataConn                  = 226 // RETR/STOR "Closing data connection"
	StatusEnteringPASV                     = 227
	StatusEnteringEPSV                     = 229
	StatusUserLoggedIn                     = 230 // PASS success
	StatusAuthAccepted                     = 234 // AUTH TLS
	StatusFileOK                           = 250 // CWD, CDUP, DELE, RMD, RNTO success
	StatusPathCreated                      = 257 // PWD, MKD

	StatusUserOK            = 331 // USER success, awaiting PASS
	StatusFileActionPending = 350 // RNFR, REST

	StatusServiceNotAvailable      = 421 // can't open passive listener, fatal driver/login error
	StatusCannotOpenDataConnection = 425
	StatusTransferAborted          = 426

	StatusActionNotTaken       = 450 // file busy / transient refusal
	StatusLocalError           = 451
	StatusActionAborted        = 552 // storage exceeded (RFC 959 maps 552 here)
	StatusActionNotTakenNoFile = 553 // filename not allowed

	StatusSyntaxErrorNotRecognised   = 500
	StatusSyntaxErrorParameters      = 501
	StatusCommandNotImplemented      = 502
	StatusNotImplemented             = 502 // same code as StatusCommandNotImplemented, used where a driver extension is absent
	StatusBadCommandSequence         = 503
	StatusNotImplementedForParameter = 504
	StatusNotImplementedParam        = 504 // alias of StatusNotImplementedForParameter
	StatusNotLoggedIn                = 530
	StatusFileActionNotTaken         = 550 // Not Found / Not Accessible

	StatusProtectionLevelNotSupported = 536
	StatusTLSRequired                 = 522
	StatusNetworkProtocolNotSupported = 522 // EPRT with an unsupported address family (RFC 2428)
)
