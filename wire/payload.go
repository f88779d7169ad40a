// Copyright 2024 The cc4me-network Authors
// This file is part of the cc4me-network library.
//
// The cc4me-network library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The cc4me-network library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the cc4me-network library. If not, see <http://www.gnu.org/licenses/>.

package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SealedPayload carries an encrypted message body. Ciphertext and nonce
// are standard base64. Direct and group envelopes use it; the AES-GCM
// additional data is the envelope's message id.
type SealedPayload struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

// ContactRequestPayload travels with relay-mediated contact requests.
// The carried public key is the only identity a first contact offers,
// so the envelope signature must verify against it: possession of the
// key is the whole claim.
type ContactRequestPayload struct {
	Community string `json:"community"`
	Greeting  string `json:"greeting,omitempty"`
	PublicKey string `json:"publicKey"`
}

// BroadcastPayload carries an admin announcement pushed peer to peer.
// Signature is the admin's detached Ed25519 signature over Body, the
// same signature the relay stores alongside the broadcast. Receivers
// verify it against the community's admin key set; the envelope's own
// signature only covers the sender's identity key.
type BroadcastPayload struct {
	Type      string          `json:"type"`
	Body      json.RawMessage `json:"body"`
	Signature string          `json:"signature"`
}

// ContactResponsePayload notifies a requester that the peer accepted or
// denied.
type ContactResponsePayload struct {
	Community string `json:"community"`
	Responder string `json:"responder"`
	Accepted  bool   `json:"accepted"`
}

// ReceiptPayload acknowledges delivery of a direct message.
type ReceiptPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// DecodePayload unmarshals the envelope payload into v. Every payload
// schema is closed, so unknown fields are an error.
func (e *Envelope) DecodePayload(v any) error {
	dec := json.NewDecoder(bytes.NewReader(e.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	return nil
}
