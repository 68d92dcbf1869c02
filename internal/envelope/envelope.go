// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package envelope builds the chamber-shaped CWC submission payload for one
// (sender, message, office) triple. Senate and House accept structurally
// different XML, so an envelope is built fresh per office and is immutable
// once built. Building has no side effects; a validation failure returns
// *ValidationError and never a partially-built envelope.
package envelope

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/civicmesh/delivery/internal/models"
	"github.com/civicmesh/delivery/internal/office"
)

// MaxBodyLength is the protocol's ceiling on message body length.
const MaxBodyLength = 10000

// Agent identifies the platform to the protocol operator. House envelopes
// carry it as delivery-agent acknowledgment metadata.
type Agent struct {
	Name     string
	AckEmail string
	Contact  string
}

// Envelope is a fully-serialized, chamber-shaped submission payload.
type Envelope struct {
	DeliveryID string
	OfficeCode string
	Chamber    office.Chamber
	Body       []byte
	BuiltAt    time.Time
}

// Builder shapes envelopes for a fixed delivery agent.
type Builder struct {
	agent Agent
}

// NewBuilder creates an envelope builder for the given delivery agent.
func NewBuilder(agent Agent) *Builder {
	return &Builder{agent: agent}
}

// senateEnvelope mirrors the Senate CWC XML schema. The constituent block
// carries a Phone sub-element the House schema does not take in the same
// position.
type senateEnvelope struct {
	XMLName     xml.Name `xml:"CWC"`
	Version     string   `xml:"CWCVersion"`
	Delivery    senateDelivery
	Recipient   recipient
	Constituent senateConstituent
	Message     messageBlock
}

type senateDelivery struct {
	XMLName      xml.Name `xml:"Delivery"`
	DeliveryID   string   `xml:"DeliveryId"`
	DeliveryDate string   `xml:"DeliveryDate"`
	Organization string   `xml:"Organization,omitempty"`
}

type senateConstituent struct {
	XMLName   xml.Name `xml:"Constituent"`
	Prefix    string   `xml:"Prefix,omitempty"`
	FirstName string   `xml:"FirstName"`
	LastName  string   `xml:"LastName"`
	Address1  string   `xml:"Address1"`
	City      string   `xml:"City"`
	State     string   `xml:"StateAbbreviation"`
	Zip       string   `xml:"Zip"`
	Email     string   `xml:"Email"`
	Phone     string   `xml:"Phone"`
}

// houseEnvelope mirrors the House CWC XML schema. The delivery block carries
// delivery-agent acknowledgment metadata Senate does not take.
type houseEnvelope struct {
	XMLName     xml.Name `xml:"CWC"`
	Version     string   `xml:"CWCVersion"`
	Delivery    houseDelivery
	Recipient   recipient
	Constituent houseConstituent
	Message     messageBlock
}

type houseDelivery struct {
	XMLName       xml.Name `xml:"Delivery"`
	DeliveryID    string   `xml:"DeliveryId"`
	DeliveryDate  string   `xml:"DeliveryDate"`
	Agent         string   `xml:"DeliveryAgent"`
	AgentAckEmail string   `xml:"DeliveryAgentAckEmailAddress"`
	AgentContact  string   `xml:"DeliveryAgentContact"`
	Organization  string   `xml:"Organization,omitempty"`
}

type houseConstituent struct {
	XMLName   xml.Name `xml:"Constituent"`
	Prefix    string   `xml:"Prefix,omitempty"`
	FirstName string   `xml:"FirstName"`
	LastName  string   `xml:"LastName"`
	Address1  string   `xml:"Address1"`
	City      string   `xml:"City"`
	State     string   `xml:"StateAbbreviation"`
	Zip       string   `xml:"Zip"`
	Email     string   `xml:"Email"`
}

type recipient struct {
	XMLName    xml.Name `xml:"Recipient"`
	OfficeCode string   `xml:"MemberOffice"`
}

type messageBlock struct {
	XMLName xml.Name `xml:"Message"`
	Subject string   `xml:"Subject"`
	Topic   string   `xml:"Topic,omitempty"`
	Text    string   `xml:"ConstituentMessage"`
}

// Build validates the inputs and produces a chamber-shaped envelope for the
// given office. A *ValidationError is non-retryable — the caller must fix
// the input, not retry transport.
func (b *Builder) Build(sender models.Sender, msg models.Message, o office.Office) (*Envelope, error) {
	if err := validate(sender, msg); err != nil {
		return nil, err
	}

	code, err := o.Code()
	if err != nil {
		return nil, err
	}

	phone, err := normalizePhone(sender.Phone)
	if err != nil {
		return nil, &ValidationError{Field: "phone", Reason: err.Error()}
	}

	deliveryID := uuid.New().String()
	now := time.Now().UTC()

	var body []byte
	switch o.Chamber {
	case office.Senate:
		body, err = xml.MarshalIndent(senateEnvelope{
			Version: "2.0",
			Delivery: senateDelivery{
				DeliveryID:   deliveryID,
				DeliveryDate: now.Format(time.RFC3339),
				Organization: sender.Organization,
			},
			Recipient: recipient{OfficeCode: code},
			Constituent: senateConstituent{
				Prefix:    sender.Prefix,
				FirstName: sender.FirstName,
				LastName:  sender.LastName,
				Address1:  sender.Street,
				City:      sender.City,
				State:     strings.ToUpper(sender.State),
				Zip:       sender.Zip,
				Email:     sender.Email,
				Phone:     phone,
			},
			Message: messageBlock{Subject: msg.Subject, Topic: msg.Topic, Text: msg.Body},
		}, "", "  ")

	case office.House:
		body, err = xml.MarshalIndent(houseEnvelope{
			Version: "2.0",
			Delivery: houseDelivery{
				DeliveryID:    deliveryID,
				DeliveryDate:  now.Format(time.RFC3339),
				Agent:         b.agent.Name,
				AgentAckEmail: b.agent.AckEmail,
				AgentContact:  b.agent.Contact,
				Organization:  sender.Organization,
			},
			Recipient: recipient{OfficeCode: code},
			Constituent: houseConstituent{
				Prefix:    sender.Prefix,
				FirstName: sender.FirstName,
				LastName:  sender.LastName,
				Address1:  sender.Street,
				City:      sender.City,
				State:     strings.ToUpper(sender.State),
				Zip:       sender.Zip,
				Email:     sender.Email,
			},
			Message: messageBlock{Subject: msg.Subject, Topic: msg.Topic, Text: msg.Body},
		}, "", "  ")

	default:
		return nil, &ValidationError{Field: "chamber", Reason: fmt.Sprintf("unknown chamber %q", o.Chamber)}
	}

	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", o.Chamber, err)
	}

	return &Envelope{
		DeliveryID: deliveryID,
		OfficeCode: code,
		Chamber:    o.Chamber,
		Body:       append([]byte(xml.Header), body...),
		BuiltAt:    now,
	}, nil
}

// validate checks every protocol-required field before any shaping happens.
func validate(sender models.Sender, msg models.Message) error {
	required := []struct {
		field, value string
	}{
		{"first_name", sender.FirstName},
		{"last_name", sender.LastName},
		{"email", sender.Email},
		{"street", sender.Street},
		{"city", sender.City},
		{"state", sender.State},
		{"zip", sender.Zip},
		{"subject", msg.Subject},
		{"body", msg.Body},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ValidationError{Field: r.field, Reason: "required field is empty"}
		}
	}

	if !zipPattern.MatchString(strings.TrimSpace(sender.Zip)) {
		return &ValidationError{Field: "zip", Reason: "must be a 5- or 9-digit ZIP code"}
	}

	if len(msg.Body) > MaxBodyLength {
		return &ValidationError{Field: "body",
			Reason: fmt.Sprintf("exceeds protocol ceiling of %d characters", MaxBodyLength)}
	}

	return nil
}

var (
	zipPattern   = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
	phoneStrip   = regexp.MustCompile(`[^\d]`)
	phonePattern = regexp.MustCompile(`^\d{10}$`)
)

// normalizePhone reduces a phone number to the 10-digit form the protocol
// expects. A leading country code 1 is dropped.
func normalizePhone(raw string) (string, error) {
	digits := phoneStrip.ReplaceAllString(raw, "")
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if !phonePattern.MatchString(digits) {
		return "", fmt.Errorf("phone %q is not normalizable to 10 digits", raw)
	}
	return digits, nil
}

// ValidationError reports a protocol-required field that is missing or
// malformed. It is non-retryable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	_, ok := err.(*ValidationError)
	return ok
}
