package collyfetcher

import (
	"crypto/tls"
	"slices"
	"strings"

	"go.uber.org/zap"
)

// TLSConfig tunes client TLS. Unknown versions and cipher names are logged
// and ignored so a typo never stops a crawl.
type TLSConfig struct {
	// MinVersion is one of "1.0", "1.1", "1.2", "1.3". Empty means 1.2.
	MinVersion string `mapstructure:"min_version"`
	// ALPN lists the protocols offered during the handshake, e.g. "h2".
	ALPN []string `mapstructure:"alpn"`
	// CipherSuites restricts TLS 1.2 and older suites by IANA name.
	CipherSuites       []string `mapstructure:"cipher_suites"`
	InsecureSkipVerify bool     `mapstructure:"insecure_skip_verify"`
}

type tlsOptions struct {
	config *tls.Config
	http2  bool
}

var tlsVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func buildTLSConfig(cfg TLSConfig, logger *zap.Logger) *tlsOptions {
	//nolint:gosec // Only set when the operator opts in.
	out := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.InsecureSkipVerify}

	if v := strings.TrimSpace(cfg.MinVersion); v != "" {
		if version, ok := tlsVersions[strings.TrimPrefix(strings.ToLower(v), "tls")]; ok {
			out.MinVersion = version
		} else {
			logger.Warn("unknown TLS min version; using 1.2", zap.String("min_version", v))
		}
	}

	if len(cfg.CipherSuites) > 0 {
		ids := cipherSuiteIDs()
		for _, name := range cfg.CipherSuites {
			id, ok := ids[strings.ToUpper(strings.TrimSpace(name))]
			if !ok {
				logger.Warn("failed to set cipher suite; skipping", zap.String("cipher", name))
				continue
			}
			out.CipherSuites = append(out.CipherSuites, id)
		}
	}

	for _, proto := range cfg.ALPN {
		proto = strings.TrimSpace(proto)
		if proto == "" || len(proto) > 255 {
			logger.Warn("failed to set ALPN protocol; skipping", zap.String("protocol", proto))
			continue
		}
		out.NextProtos = append(out.NextProtos, proto)
	}

	return &tlsOptions{
		config: out,
		// A custom TLS config disables HTTP/2 unless it is requested again.
		http2: len(out.NextProtos) == 0 || slices.Contains(out.NextProtos, "h2"),
	}
}

func cipherSuiteIDs() map[string]uint16 {
	ids := make(map[string]uint16)
	for _, suite := range tls.CipherSuites() {
		ids[suite.Name] = suite.ID
	}
	for _, suite := range tls.InsecureCipherSuites() {
		ids[suite.Name] = suite.ID
	}
	return ids
}
