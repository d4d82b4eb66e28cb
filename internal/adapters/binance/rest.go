package binance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/coachpo/feedmux/internal/adapters/shared"
	"github.com/coachpo/feedmux/internal/errs"
	"github.com/coachpo/feedmux/internal/schema"
	"github.com/coachpo/feedmux/internal/signer"
)

const (
	spotDepthPath        = "/api/v3/depth"
	spotListenKeyPath    = "/api/v3/userDataStream"
	marginListenKeyPath  = "/sapi/v1/userDataStream"
	futuresDepthPath     = "/fapi/v1/depth"
	futuresListenKeyPath = "/fapi/v1/listenKey"

	recvWindowMillis = 5000
)

func (d *Dialect) depthPath() string {
	if d.opts.Variant == Futures {
		return futuresDepthPath
	}
	return spotDepthPath
}

func (d *Dialect) listenKeyPath() string {
	switch d.opts.Variant {
	case Margin:
		return marginListenKeyPath
	case Futures:
		return futuresListenKeyPath
	}
	return spotListenKeyPath
}

type depthSnapshot struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (d *Dialect) fetchDepthSnapshot(ctx context.Context, native string) (uint64, []schema.PriceLevel, []schema.PriceLevel, error) {
	q := url.Values{}
	q.Set("symbol", native)
	q.Set("limit", strconv.Itoa(snapshotLimit(d.opts.Depth)))
	body, err := d.rest(ctx, http.MethodGet, d.depthPath()+"?"+q.Encode(), false)
	if err != nil {
		return 0, nil, nil, err
	}
	var snap depthSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return 0, nil, nil, d.decodeErr(err)
	}
	bids, err := shared.Levels(snap.Bids)
	if err != nil {
		return 0, nil, nil, d.decodeErr(err)
	}
	asks, err := shared.Levels(snap.Asks)
	if err != nil {
		return 0, nil, nil, d.decodeErr(err)
	}
	return snap.LastUpdateID, bids, asks, nil
}

// snapshotLimit clamps the configured depth to the nearest depth the venue
// serves.
func snapshotLimit(depth int) int {
	for _, limit := range []int{5, 10, 20, 50, 100, 500, 1000} {
		if depth <= limit {
			return limit
		}
	}
	return 1000
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

func (d *Dialect) createListenKey(ctx context.Context) (string, error) {
	body, err := d.rest(ctx, http.MethodPost, d.listenKeyPath(), true)
	if err != nil {
		return "", err
	}
	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", d.decodeErr(err)
	}
	if resp.ListenKey == "" {
		return "", errs.New(errs.KindStaleListenKey, errs.WithExchange(d.name),
			errs.WithMessage("venue returned an empty listen key"))
	}
	return resp.ListenKey, nil
}

func (d *Dialect) refreshListenKey(ctx context.Context, key string) error {
	path := d.listenKeyPath()
	if d.opts.Variant != Futures {
		// Spot and margin identify the key to refresh; futures refreshes the
		// account's single key.
		q := url.Values{}
		q.Set("listenKey", key)
		path += "?" + q.Encode()
	}
	_, err := d.rest(ctx, http.MethodPut, path, true)
	return err
}

func (d *Dialect) destroyListenKey(ctx context.Context, key string) error {
	path := d.listenKeyPath()
	if d.opts.Variant != Futures {
		q := url.Values{}
		q.Set("listenKey", key)
		path += "?" + q.Encode()
	}
	_, err := d.rest(ctx, http.MethodDelete, path, true)
	return err
}

// rest performs one REST call. Authenticated calls carry the API key header;
// futures user-stream calls additionally sign the query string.
func (d *Dialect) rest(ctx context.Context, method, pathAndQuery string, authed bool) ([]byte, error) {
	if authed && d.opts.Variant == Futures {
		pathAndQuery = d.signQuery(pathAndQuery)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.restBase+pathAndQuery, nil)
	if err != nil {
		return nil, errs.New(errs.KindTransientNetwork, errs.WithExchange(d.name), errs.WithCause(err))
	}
	if authed {
		req.Header.Set("X-MBX-APIKEY", d.opts.Credentials.Key)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, errs.New(errs.KindTransientNetwork, errs.WithExchange(d.name),
			errs.WithMessagef("%s %s", method, pathAndQuery), errs.WithCause(err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return nil, errs.New(errs.KindTransientNetwork, errs.WithExchange(d.name), errs.WithCause(err))
	}
	if resp.StatusCode != http.StatusOK {
		kind := errs.KindTransientNetwork
		if authed && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = errs.KindStaleListenKey
		}
		return nil, errs.New(kind, errs.WithExchange(d.name),
			errs.WithMessagef("%s %s: http %d", method, pathAndQuery, resp.StatusCode),
			errs.WithRaw(strconv.Itoa(resp.StatusCode), string(body)))
	}
	return body, nil
}

// signQuery appends recvWindow, timestamp and the HMAC signature to the
// query string, the scheme Binance uses for all signed REST endpoints.
func (d *Dialect) signQuery(pathAndQuery string) string {
	sep := "?"
	query := ""
	if i := strings.IndexByte(pathAndQuery, '?'); i >= 0 {
		query = pathAndQuery[i+1:]
		sep = "&"
	}
	stamp := fmt.Sprintf("recvWindow=%d&timestamp=%d", recvWindowMillis, time.Now().UnixMilli())
	if query != "" {
		query += "&" + stamp
	} else {
		query = stamp
	}
	sig := signer.Query(d.opts.Credentials.Secret, query)
	return pathAndQuery + sep + stamp + "&signature=" + sig
}
