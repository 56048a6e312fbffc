// Package frame defines the RF frame format spoken by the ventilation unit.
//
// Every frame carries a fixed 16-byte body:
//
//	0  rx_type          destination device type
//	1  rx_id            destination device id (0 = broadcast)
//	2  tx_type          source device type
//	3  tx_id            source device id
//	4  ttl              time to live
//	5  command          command code
//	6  parameter_count  number of parameter bytes (0-9)
//	7  parameters[9]    command payload, zero padded
//
// # Integrity
//
// With IntegrityCRC16 the codec appends a CRC-16/CCITT over the body
// (big endian), giving an 18-byte buffer. With IntegrityHardware the
// transceiver computes and checks the same CRC on air and the codec only
// validates structure.
//
// Buffers that fail validation are rejected with ErrMalformed. A decoded
// frame always re-encodes to the same bytes.
package frame
