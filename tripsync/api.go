package tripsync

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const SnapshotContentType = "application/x-protobuf"

// snapshots larger than this are rejected
const maxSnapshotByteCount = 64 * 1024 * 1024

type ApiSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
}

func DefaultApiSettings() *ApiSettings {
	return &ApiSettings{
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
	}
}

func defaultClient(settings *ApiSettings) *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   settings.HttpTimeout,
	}
}

// TripApi fetches snapshots from the trip plan api.
// `GET {apiUrl}/trips/{tripPlanId}/snapshot` with the member jwt as a bearer token.
type TripApi struct {
	apiUrl string
	byJwt  string
	client *http.Client
}

func NewTripApiWithDefaults(apiUrl string, byJwt string) *TripApi {
	return NewTripApi(apiUrl, byJwt, DefaultApiSettings())
}

func NewTripApi(apiUrl string, byJwt string, settings *ApiSettings) *TripApi {
	return &TripApi{
		apiUrl: strings.TrimRight(apiUrl, "/"),
		byJwt:  byJwt,
		client: defaultClient(settings),
	}
}

// SnapshotFetcher implementation
func (self *TripApi) FetchSnapshot(ctx context.Context, tripPlanId string) (*Snapshot, error) {
	snapshotUrl := fmt.Sprintf("%s/trips/%s/snapshot", self.apiUrl, url.PathEscape(tripPlanId))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, snapshotUrl, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", SnapshotContentType)
	if self.byJwt != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", self.byJwt))
	}

	r, err := self.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSnapshotByteCount+1))
	if err != nil {
		return nil, err
	}
	if r.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot %s: http %d: %s", tripPlanId, r.StatusCode, strings.TrimSpace(string(body)))
	}
	if maxSnapshotByteCount < len(body) {
		return nil, fmt.Errorf("snapshot %s: body exceeds %d bytes", tripPlanId, maxSnapshotByteCount)
	}

	snapshot, err := DecodeSnapshot(body)
	if err != nil {
		return nil, err
	}
	if snapshot.TripPlanId != tripPlanId {
		return nil, fmt.Errorf("snapshot %s: server returned trip plan %s", tripPlanId, snapshot.TripPlanId)
	}
	return snapshot, nil
}
