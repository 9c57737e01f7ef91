// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/DataDog/iot-platform/pkg/controlplane"
	"github.com/DataDog/iot-platform/pkg/util/log"
)

type principalKey struct{}

// authenticate gates the operator API on a bearer token, resolving it into
// the request principal. The peer address is stamped on the principal for
// the audit trail.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="iot-platform"`)
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		p, err := s.deps.Verifier.Verify(r.Context(), raw)
		if err != nil {
			log.Debugf("rejecting token on %s %s: %v", r.Method, r.URL.Path, err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="iot-platform"`)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		p.RequestIP = remoteIP(r)
		ctx := context.WithValue(r.Context(), principalKey{}, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return h[len(prefix):], true
}

// principalFrom returns the principal the auth middleware stored on the
// request context.
func principalFrom(r *http.Request) *controlplane.Principal {
	p, _ := r.Context().Value(principalKey{}).(*controlplane.Principal)
	return p
}

// remoteIP strips the port from the peer address. Behind a trusted proxy
// the address is already the forwarded client IP, without a port.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
