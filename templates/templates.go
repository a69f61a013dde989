// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package templates provides the bridge's canned messages (welcome
// sequence, auto-reply), embedded at compile time. Each message has a
// plain-text and an HTML rendition, rendered from the same data.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
)

//go:embed files/*.txt files/*.html
var files embed.FS

// Known message names.
const (
	WelcomeIntro    = "welcome_intro"
	WelcomeFeatures = "welcome_features"
	AutoReply       = "auto_reply"
)

// Data is the template context for all messages.
type Data struct {
	// DisplayName is the recipient's display name, falling back to the
	// localpart.
	DisplayName string
	// Address is the recipient's full email address.
	Address string
	// Domain is the bridge's mail domain.
	Domain string
}

// Message is a rendered message pair.
type Message struct {
	Text string
	HTML string
}

// Render renders the named message with the given data.
func Render(name string, data Data) (Message, error) {
	text, err := renderText(name, data)
	if err != nil {
		return Message{}, err
	}
	html, err := renderHTML(name, data)
	if err != nil {
		return Message{}, err
	}
	return Message{Text: text, HTML: html}, nil
}

func renderText(name string, data Data) (string, error) {
	source, err := files.ReadFile("files/" + name + ".txt")
	if err != nil {
		return "", fmt.Errorf("templates: unknown message %q: %w", name, err)
	}
	tmpl, err := texttemplate.New(name).Parse(string(source))
	if err != nil {
		return "", fmt.Errorf("templates: parsing %s.txt: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: rendering %s.txt: %w", name, err)
	}
	return buf.String(), nil
}

func renderHTML(name string, data Data) (string, error) {
	source, err := files.ReadFile("files/" + name + ".html")
	if err != nil {
		return "", fmt.Errorf("templates: unknown message %q: %w", name, err)
	}
	tmpl, err := htmltemplate.New(name).Parse(string(source))
	if err != nil {
		return "", fmt.Errorf("templates: parsing %s.html: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: rendering %s.html: %w", name, err)
	}
	return buf.String(), nil
}
