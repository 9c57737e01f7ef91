// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package delivery

import (
	"context"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/message"
)

// SNMPConfig is the destination config of SNMP integrations. Version "2c"
// needs a community; version "3" needs a username plus the auth/priv
// material its security level requires.
type SNMPConfig struct {
	Host           string `json:"host" validate:"required"`
	Port           uint16 `json:"port,omitempty"`
	Version        string `json:"version" validate:"required,oneof=2c 3"`
	Community      string `json:"community,omitempty"`
	Username       string `json:"username,omitempty"`
	AuthProtocol   string `json:"authProtocol,omitempty" validate:"omitempty,oneof=MD5 SHA SHA256"`
	AuthPassphrase string `json:"authPassphrase,omitempty"`
	PrivProtocol   string `json:"privProtocol,omitempty" validate:"omitempty,oneof=DES AES128"`
	PrivPassphrase string `json:"privPassphrase,omitempty"`
	TrapOID        string `json:"trapOid,omitempty"`
	Retries        int    `json:"retries,omitempty" validate:"gte=0,lte=5"`
}

const (
	defaultSNMPPort    = 162
	defaultSNMPRetries = 1
	defaultSNMPTimeout = 5 * time.Second

	// Enterprise arc the platform emits under when the integration does
	// not configure one.
	defaultTrapOID = ".1.3.6.1.4.1.52798.1"

	snmpTrapOIDInstance = ".1.3.6.1.6.3.1.1.4.1.0"
)

// SNMPSender emits INFORM notifications, so delivery is acknowledged by
// the receiver rather than fire-and-forget.
type SNMPSender struct {
	guard *Guard
}

// NewSNMPSender returns an SNMP sender behind the address guard.
func NewSNMPSender(guard *Guard) *SNMPSender {
	return &SNMPSender{guard: guard}
}

// Send implements Sender.
func (s *SNMPSender) Send(ctx context.Context, req *Request) Result {
	var cfg SNMPConfig
	if err := jsonCodec.Unmarshal(req.Config, &cfg); err != nil {
		return terminal(errors.Wrap(err, "snmp config"))
	}

	ip, err := s.guard.ResolveHost(ctx, cfg.Host)
	if err != nil {
		if errors.Is(err, ErrBlockedAddress) {
			return terminal(err)
		}
		return transient(err)
	}

	params, err := buildSNMPParams(&cfg, ip.String())
	if err != nil {
		return terminal(err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < params.Timeout {
			params.Timeout = remaining
		}
	}

	if err := params.Connect(); err != nil {
		return transient(errors.Wrap(err, "snmp connect"))
	}
	defer params.Conn.Close()

	trap := gosnmp.SnmpTrap{
		IsInform:  true,
		Variables: informVariables(trapOIDOr(cfg.TrapOID), req.Event),
	}
	if _, err := params.SendTrap(trap); err != nil {
		// UDP gives no reply families to split on; informs that were not
		// acknowledged are worth retrying.
		return transient(errors.Wrap(err, "snmp inform"))
	}
	return succeeded()
}

// buildSNMPParams maps the integration config onto a gosnmp connection.
func buildSNMPParams(cfg *SNMPConfig, target string) (*gosnmp.GoSNMP, error) {
	if cfg.Host == "" {
		return nil, errors.New("snmp config has no host")
	}
	port := cfg.Port
	if port == 0 {
		port = defaultSNMPPort
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultSNMPRetries
	}

	params := &gosnmp.GoSNMP{
		Target:    target,
		Port:      port,
		Transport: "udp",
		Timeout:   defaultSNMPTimeout,
		Retries:   retries,
	}

	switch cfg.Version {
	case "2c":
		if cfg.Community == "" {
			return nil, errors.New("snmp v2c needs a community")
		}
		params.Version = gosnmp.Version2c
		params.Community = cfg.Community
	case "3":
		if cfg.Username == "" {
			return nil, errors.New("snmp v3 needs a username")
		}
		auth, err := snmpAuthProtocol(cfg.AuthProtocol)
		if err != nil {
			return nil, err
		}
		priv, err := snmpPrivProtocol(cfg.PrivProtocol)
		if err != nil {
			return nil, err
		}
		params.Version = gosnmp.Version3
		params.SecurityModel = gosnmp.UserSecurityModel
		params.MsgFlags = snmpMsgFlags(auth, priv)
		params.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 cfg.Username,
			AuthenticationProtocol:   auth,
			AuthenticationPassphrase: cfg.AuthPassphrase,
			PrivacyProtocol:          priv,
			PrivacyPassphrase:        cfg.PrivPassphrase,
		}
	default:
		return nil, errors.Errorf("unsupported snmp version %q", cfg.Version)
	}
	return params, nil
}

func snmpAuthProtocol(v string) (gosnmp.SnmpV3AuthProtocol, error) {
	switch strings.ToUpper(v) {
	case "":
		return gosnmp.NoAuth, nil
	case "MD5":
		return gosnmp.MD5, nil
	case "SHA":
		return gosnmp.SHA, nil
	case "SHA256":
		return gosnmp.SHA256, nil
	}
	return 0, errors.Errorf("unsupported snmp auth protocol %q", v)
}

func snmpPrivProtocol(v string) (gosnmp.SnmpV3PrivProtocol, error) {
	switch strings.ToUpper(v) {
	case "":
		return gosnmp.NoPriv, nil
	case "DES":
		return gosnmp.DES, nil
	case "AES", "AES128":
		return gosnmp.AES, nil
	}
	return 0, errors.Errorf("unsupported snmp priv protocol %q", v)
}

func snmpMsgFlags(auth gosnmp.SnmpV3AuthProtocol, priv gosnmp.SnmpV3PrivProtocol) gosnmp.SnmpV3MsgFlags {
	switch {
	case auth != gosnmp.NoAuth && priv != gosnmp.NoPriv:
		return gosnmp.AuthPriv
	case auth != gosnmp.NoAuth:
		return gosnmp.AuthNoPriv
	default:
		return gosnmp.NoAuthNoPriv
	}
}

func trapOIDOr(oid string) string {
	if oid == "" {
		return defaultTrapOID
	}
	return oid
}

// informVariables lays the event out under the trap OID: .1 tenant,
// .2 device, .3 severity, .4 type, .5 message, .6 timestamp. The uptime
// varbind is prepended by the library.
func informVariables(trapOID string, ev *message.Event) []gosnmp.SnmpPDU {
	msg := ev.Summary
	if msg == "" {
		msg = ev.Topic
	}
	return []gosnmp.SnmpPDU{
		{Name: snmpTrapOIDInstance, Type: gosnmp.ObjectIdentifier, Value: trapOID},
		{Name: trapOID + ".1", Type: gosnmp.OctetString, Value: ev.TenantID},
		{Name: trapOID + ".2", Type: gosnmp.OctetString, Value: ev.DeviceID},
		{Name: trapOID + ".3", Type: gosnmp.Integer, Value: ev.Severity},
		{Name: trapOID + ".4", Type: gosnmp.OctetString, Value: ev.AlertType},
		{Name: trapOID + ".5", Type: gosnmp.OctetString, Value: msg},
		{Name: trapOID + ".6", Type: gosnmp.OctetString, Value: ev.Timestamp.UTC().Format(time.RFC3339)},
	}
}
