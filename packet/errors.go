package packet

import "errors"

// ErrSignatureTooShort should be returned when a relay payload does not even
// contain a full 64-byte signature.
var ErrSignatureTooShort = errors.New("relay payload too short for a signature")

// ErrSequenceTooShort should be returned when a relay payload contains a
// signature but not a full 8-byte sequence number.
var ErrSequenceTooShort = errors.New("relay payload too short for a sequence number")

// ErrValueTooLarge should be returned when the value exceeds the 1000-byte
// BEP44 bound.
var ErrValueTooLarge = errors.New("value exceeds allowed size limit")

// ErrBadRecordSet should be returned when the DNS record set carried in the
// value cannot be encoded or decoded.
var ErrBadRecordSet = errors.New("record set could not be decoded")
