// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package delivery

import (
	"context"
	"encoding/json"
	"net/mail"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/storage"
)

// destinationValidator enforces the `validate` tags on the config structs.
var destinationValidator = validator.New()

// ValidateDestination shape-checks a destination config and vets its target
// addresses before the row is persisted. The control plane calls it on
// integration and webhook-route writes; senders re-vet at delivery time
// because DNS answers change between validation and dispatch.
func ValidateDestination(ctx context.Context, guard *Guard, kind storage.IntegrationKind, raw json.RawMessage) error {
	switch kind {
	case storage.IntegrationWebhook:
		var cfg WebhookConfig
		if err := decodeDestination(raw, &cfg); err != nil {
			return err
		}
		return guard.ValidateURL(ctx, cfg.URL)

	case storage.IntegrationEmail:
		var cfg EmailConfig
		if err := decodeDestination(raw, &cfg); err != nil {
			return err
		}
		if _, err := mail.ParseAddress(cfg.From); err != nil {
			return errors.Wrapf(err, "sender %q", cfg.From)
		}
		for _, rcpt := range cfg.To {
			if _, err := mail.ParseAddress(rcpt); err != nil {
				return errors.Wrapf(err, "recipient %q", rcpt)
			}
		}
		_, err := guard.ResolveHost(ctx, cfg.Host)
		return err

	case storage.IntegrationSNMP:
		var cfg SNMPConfig
		if err := decodeDestination(raw, &cfg); err != nil {
			return err
		}
		if _, err := buildSNMPParams(&cfg, cfg.Host); err != nil {
			return err
		}
		_, err := guard.ResolveHost(ctx, cfg.Host)
		return err

	case storage.IntegrationMQTT:
		var cfg MQTTConfig
		if err := decodeDestination(raw, &cfg); err != nil {
			return err
		}
		// Placeholders expand per event; wildcards never become legal.
		if strings.ContainsAny(cfg.Topic, "+#") {
			return errors.Errorf("mqtt topic %q contains filter wildcards", cfg.Topic)
		}
		return nil
	}
	return errors.Errorf("unknown integration kind %q", kind)
}

func decodeDestination(raw json.RawMessage, cfg any) error {
	if len(raw) == 0 {
		return errors.New("destination config is required")
	}
	if err := jsonCodec.Unmarshal(raw, cfg); err != nil {
		return errors.Wrap(err, "destination config")
	}
	return errors.Wrap(destinationValidator.Struct(cfg), "destination config")
}
