// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package controlplane

import (
	"context"

	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/storage"
)

// ListAudit returns the newest operator audit records. The trail records
// operator access only, so tenant principals have nothing to read in it.
func (s *Service) ListAudit(ctx context.Context, p *Principal, limit int) ([]storage.AuditRecord, error) {
	if err := need(p, PermAuditRead); err != nil {
		return nil, err
	}
	if !p.Operator() {
		return nil, errors.Wrap(ErrForbidden, "audit log is operator-only")
	}

	scope, err := s.scopeFor(ctx, p, "list_audit", "")
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	records, err := s.deps.Audit.ListAudit(ctx, scope, limit)
	finish(scope, err)
	return records, err
}
