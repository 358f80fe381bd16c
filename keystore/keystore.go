// Package keystore caches the upstream JWKS used to verify agent tokens.
// The cache holds immutable snapshots: a refresh either replaces the whole
// key set or leaves the previous one in place, so readers never observe a
// partial update.
package keystore

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// DefaultURL is where Google publishes the keys that sign agent tokens.
	DefaultURL = "https://www.googleapis.com/oauth2/v3/certs"

	userAgent = "stormgrok"

	// fallbackRefreshInterval bounds the refresh cadence when the upstream
	// response carries no usable max-age.
	fallbackRefreshInterval = time.Hour

	// retryInterval is the cadence after a failed fetch; the previous
	// snapshot keeps serving lookups in the meantime.
	retryInterval = time.Minute
)

var maxAgeRE = regexp.MustCompile(`max-age=(\d+)`)

var errMissingMaxAge = errors.New("no max-age in Cache-Control header of key response")

// KeyStore resolves a JWT key id to its RSA verification key.
type KeyStore struct {
	url    string
	client *http.Client
	log    *zerolog.Logger

	// fetchMu serializes refreshes so concurrent misses don't stampede the
	// upstream.
	fetchMu sync.Mutex

	mu   sync.RWMutex
	keys jwk.Set // nil until the first successful fetch
}

func New(url string, log *zerolog.Logger) *KeyStore {
	if url == "" {
		url = DefaultURL
	}
	return &KeyStore{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

// Run fetches the key set immediately and then keeps it fresh, scheduling
// each refresh at the interval the upstream's Cache-Control allows. Fetch
// failures are never fatal; the previous snapshot stays live and the next
// tick retries.
func (k *KeyStore) Run(ctx context.Context) error {
	for {
		interval, err := k.Refresh(ctx)
		if err != nil {
			k.log.Error().Err(err).Msg("encountered error while refreshing token verification keys")
			if errors.Is(err, errMissingMaxAge) {
				interval = fallbackRefreshInterval
			} else {
				interval = retryInterval
			}
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Refresh fetches the JWKS once and atomically replaces the cached snapshot.
// It returns how long the upstream allows the snapshot to be served.
func (k *KeyStore) Refresh(ctx context.Context) (time.Duration, error) {
	k.fetchMu.Lock()
	defer k.fetchMu.Unlock()

	k.log.Info().Msg("Refreshing key cache")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return 0, errors.Wrap(err, "error building key request")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := k.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "error fetching keys")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("key endpoint returned %s", resp.Status)
	}

	maxAge, err := parseMaxAge(resp.Header.Get("Cache-Control"))
	if err != nil {
		return 0, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, errors.Wrap(err, "error reading key response")
	}

	set, err := parseKeySet(body)
	if err != nil {
		return 0, err
	}

	k.mu.Lock()
	k.keys = set
	k.mu.Unlock()

	k.log.Info().Msgf("Cached %d verification keys, next refresh in %s", set.Len(), maxAge)
	return maxAge, nil
}

// parseKeySet decodes a JWKS body into a usable snapshot. Any key that
// cannot be materialized as an RSA public key rejects the whole set.
func parseKeySet(body []byte) (jwk.Set, error) {
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse key set")
	}
	for i := 0; i < set.Len(); i++ {
		key, _ := set.Key(i)
		if key.KeyID() == "" {
			return nil, fmt.Errorf("key %d in key set has no kid", i)
		}
		var pub rsa.PublicKey
		if err := key.Raw(&pub); err != nil {
			return nil, errors.Wrapf(err, "key %q in key set is not a usable RSA key", key.KeyID())
		}
	}
	return set, nil
}

func parseMaxAge(cacheControl string) (time.Duration, error) {
	match := maxAgeRE.FindStringSubmatch(cacheControl)
	if match == nil {
		return 0, errMissingMaxAge
	}
	seconds, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, errMissingMaxAge
	}
	return time.Duration(seconds) * time.Second, nil
}

// Resolve returns the verification key for kid from the current snapshot.
func (k *KeyStore) Resolve(kid string) (jwk.Key, bool) {
	k.log.Debug().Msgf("Resolving key for kid=%q", kid)

	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.keys == nil {
		return nil, false
	}
	return k.keys.LookupKeyID(kid)
}

// ResolveWithRefresh is Resolve plus one opportunistic refresh: a miss may
// just mean the upstream rotated its keys since the last fetch.
func (k *KeyStore) ResolveWithRefresh(ctx context.Context, kid string) (jwk.Key, error) {
	if key, ok := k.Resolve(kid); ok {
		return key, nil
	}
	if _, err := k.Refresh(ctx); err != nil {
		return nil, err
	}
	key, ok := k.Resolve(kid)
	if !ok {
		return nil, fmt.Errorf("upstream did not supply a verification key for kid=%q", kid)
	}
	return key, nil
}
