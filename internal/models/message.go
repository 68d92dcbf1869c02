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

// Package models defines the data structures shared across the delivery service.
package models

// Sender carries the verified identity fields the protocol requires.
// Identity verification happens upstream; this service only consumes it.
type Sender struct {
	UserID       string `json:"user_id"`
	Prefix       string `json:"prefix,omitempty"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	Street       string `json:"street"`
	City         string `json:"city"`
	State        string `json:"state"`
	Zip          string `json:"zip"`
	Organization string `json:"organization,omitempty"`
}

// HasPostalIdentity reports whether the sender carries the address fields
// the legislative channel needs. The saga pauses to collect them when false.
func (s Sender) HasPostalIdentity() bool {
	return s.Street != "" && s.City != "" && s.State != "" && s.Zip != ""
}

// Message is a composed civic message ready for delivery. Composition and
// moderation happen upstream.
type Message struct {
	TemplateID string `json:"template_id"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	Topic      string `json:"topic,omitempty"`
}
