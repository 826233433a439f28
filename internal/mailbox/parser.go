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

package mailbox

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/wedo/devicehandler/internal/models"
)

// ParseMessage converts an RFC 5322 message into a RawMessage. The first
// text/html part becomes HTML and the first text/plain part becomes Text.
// Attachments are skipped.
func ParseMessage(r io.Reader) (models.RawMessage, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return models.RawMessage{}, fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	msg := models.RawMessage{}

	if msg.Subject, err = h.Subject(); err != nil {
		msg.Subject = h.Get("Subject")
	}
	msg.MessageID, _ = h.MessageID()

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = models.EmailAddress{Address: from[0].Address, Name: from[0].Name}
	}
	if to, err := h.AddressList("To"); err == nil {
		msg.To = make([]models.EmailAddress, 0, len(to))
		for _, a := range to {
			msg.To = append(msg.To, models.EmailAddress{Address: a.Address, Name: a.Name})
		}
	}
	if date, err := h.Date(); err == nil && !date.IsZero() {
		msg.ReceivedAt = date.UTC()
	} else {
		msg.ReceivedAt = time.Now().UTC()
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return msg, fmt.Errorf("read message part: %w", err)
		}

		ih, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := ih.ContentType()
		switch {
		case ct == "text/html" && msg.HTML == "":
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return msg, fmt.Errorf("read html body: %w", err)
			}
			msg.HTML = string(b)
		case (ct == "text/plain" || ct == "") && msg.Text == "":
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return msg, fmt.Errorf("read text body: %w", err)
			}
			msg.Text = string(b)
		}
	}

	return msg, nil
}
