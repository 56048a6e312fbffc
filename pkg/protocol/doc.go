// Package protocol implements the RF link to a Zehnder/BUVA ventilation unit.
//
// The Engine owns a radio.Transceiver and runs one exchange at a time. An
// exchange transmits a frame, waits for a matching reply and retransmits the
// same frame until a reply arrives or the retry budget is spent:
//
//	Pair         JoinAck -> JoinOpen, JoinRequest -> LinkSuccess,
//	             LinkSuccess -> QueryNetwork
//	SetVoltage   SetVoltage -> FanSettings, then SetSpeedReply
//	SetPreset    SetSpeed -> FanSettings, then SetSpeedReply
//	SetTimer     SetTimer -> FanSettings, then SetSpeedReply
//	Query        QueryDevice -> FanSettings
//
// Link state moves UNPAIRED -> PAIRING -> LINKED <-> LOST. Pairing runs on
// the shared link network; once the unit answers, the engine retunes to the
// network id the unit announced and keeps it until Unpair.
//
// Frames that fail to decode or are not addressed to us are dropped and do
// not end the wait. Every outcome is reported to the health monitor, and
// every frame, exchange and state change is written to the capture log when
// one is configured.
package protocol
