package middleware

import (
	"bufio"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
)

// Blocklist is an immutable set of blocked network ranges, parsed once at
// startup and consulted read-only per request.
type Blocklist struct {
	prefixes []netip.Prefix
}

// LoadBlocklist reads every *.txt file in dir, one CIDR per line. Blank
// lines and lines starting with "#" are skipped. A bare address is treated
// as a single-host range. An empty dir name yields an empty blocklist.
func LoadBlocklist(dir string) (*Blocklist, error) {
	bl := &Blocklist{}
	if dir == "" {
		return bl, nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return nil, err
	}

	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open blocklist %q: %w", path, err)
		}

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}

			prefix, err := netip.ParsePrefix(line)
			if err != nil {
				addr, addrErr := netip.ParseAddr(line)
				if addrErr != nil {
					f.Close()
					return nil, fmt.Errorf("invalid CIDR %q in %s: %w", line, path, err)
				}
				prefix = netip.PrefixFrom(addr, addr.BitLen())
			}
			bl.prefixes = append(bl.prefixes, prefix)
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return nil, err
		}
		f.Close()
	}

	slog.Info("blocklist loaded", "dir", dir, "ranges", len(bl.prefixes))
	return bl, nil
}

// Len returns the number of loaded ranges.
func (b *Blocklist) Len() int {
	return len(b.prefixes)
}

// Blocked reports whether the address falls in any loaded range. An
// unparseable address is not blocked.
func (b *Blocklist) Blocked(address string) bool {
	if len(b.prefixes) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return false
	}
	for _, p := range b.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// BlockCIDR rejects requests whose resolved address falls in the
// blocklist. resolve maps a request to its client address.
func BlockCIDR(bl *Blocklist, resolve func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bl.Blocked(resolve(r)) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
