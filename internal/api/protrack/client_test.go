package protrack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/protrack-sync/internal/models"
)

// fakeTokens 测试用令牌来源
type fakeTokens struct {
	token       string
	invalidated int
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	return f.token, nil
}

func (f *fakeTokens) Invalidate(ctx context.Context) error {
	f.invalidated++
	f.token = "fresh-token"
	return nil
}

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:    3,
		WaitInitial: time.Millisecond,
		WaitMax:     2 * time.Millisecond,
		WaitJitter:  0,
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *fakeTokens, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(server.URL, zap.NewNop())
	client.SetRetryPolicy(testRetryPolicy())
	tokens := &fakeTokens{token: "cached-token"}
	client.SetTokenSource(tokens)
	return client, tokens, server
}

func writeEnvelope(w http.ResponseWriter, code int, message string, record interface{}) {
	resp := map[string]interface{}{
		"code":    code,
		"message": message,
		"record":  record,
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func TestAuthorizeSuccess(t *testing.T) {
	var gotQuery map[string]string
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/authorization", r.URL.Path)
		q := r.URL.Query()
		gotQuery = map[string]string{
			"time":      q.Get("time"),
			"account":   q.Get("account"),
			"signature": q.Get("signature"),
		}
		writeEnvelope(w, 0, "", map[string]string{"access_token": "tok-123"})
	})

	result := client.Authorize(context.Background(), models.Credential{Account: "acme", Password: "secret123"})

	require.Equal(t, AuthAuthenticated, result.Status)
	assert.Equal(t, "tok-123", result.Token)
	assert.Equal(t, "acme", gotQuery["account"])

	// 签名与携带的 time 参数一致
	epoch, err := strconv.ParseInt(gotQuery["time"], 10, 64)
	require.NoError(t, err)
	_, expected := Signature("secret123", time.Unix(epoch, 0))
	assert.Equal(t, expected, gotQuery["signature"])
}

func TestAuthorizeInvalidCredentials(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 10001, "account or password error", nil)
	})

	result := client.Authorize(context.Background(), models.Credential{Account: "acme", Password: "wrong"})

	assert.Equal(t, AuthInvalidCredentials, result.Status)
	assert.Equal(t, "account or password error", result.Message)
}

func TestAuthorizeRetriesTransportErrors(t *testing.T) {
	requests := 0
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusBadGateway)
	})

	result := client.Authorize(context.Background(), models.Credential{Account: "acme", Password: "pw"})

	assert.Equal(t, AuthTransportError, result.Status)
	assert.Equal(t, http.StatusBadGateway, result.HTTPStatus)
	// 重试耗尽后才放弃
	assert.Equal(t, testRetryPolicy().Attempts, requests)
}

func TestAuthorizeRecomputesSignaturePerRetry(t *testing.T) {
	var signatures []string
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		signatures = append(signatures, r.URL.Query().Get("time")+"/"+r.URL.Query().Get("signature"))
		w.WriteHeader(http.StatusInternalServerError)
	})

	client.Authorize(context.Background(), models.Credential{Account: "acme", Password: "pw"})

	require.Len(t, signatures, testRetryPolicy().Attempts)
	// 每次重试的 time/signature 对都自洽（重新计算而不是重放）
	for _, pair := range signatures {
		parts := strings.SplitN(pair, "/", 2)
		epoch, err := strconv.ParseInt(parts[0], 10, 64)
		require.NoError(t, err)
		_, expected := Signature("pw", time.Unix(epoch, 0))
		assert.Equal(t, expected, parts[1])
	}
}

func TestListDevices(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/device/list", r.URL.Path)
		require.Equal(t, "cached-token", r.URL.Query().Get("access_token"))
		writeEnvelope(w, 0, "", []map[string]interface{}{
			{"imei": "111", "devicename": "truck-01", "onlinetime": 1700000000},
			{"imei": "222", "devicename": "truck-02"},
		})
	})

	devices, err := client.ListDevices(context.Background())
	require.NoError(t, err)

	require.Len(t, devices, 2)
	assert.Equal(t, "111", devices[0].IMEI)
	assert.Equal(t, "truck-01", devices[0].Name)
	assert.Equal(t, "222", devices[1].IMEI)
}

func TestListDevicesReauthenticatesOnExpiredToken(t *testing.T) {
	requests := 0
	client, tokens, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.URL.Query().Get("access_token") == "cached-token" {
			writeEnvelope(w, CodeExpiredToken, "token expired", nil)
			return
		}
		writeEnvelope(w, 0, "", []map[string]interface{}{{"imei": "111", "devicename": "truck-01"}})
	})

	devices, err := client.ListDevices(context.Background())
	require.NoError(t, err)

	assert.Len(t, devices, 1)
	assert.Equal(t, 1, tokens.invalidated)
	assert.Equal(t, 2, requests)
}

func TestListDevicesGivesUpAfterOneReauth(t *testing.T) {
	requests := 0
	client, tokens, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		writeEnvelope(w, CodeExpiredToken, "token expired", nil)
	})

	_, err := client.ListDevices(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	// 重新认证后仍过期：只失效一次，第二次 10012 直接失败
	assert.Equal(t, 1, tokens.invalidated)
	assert.Equal(t, 2, requests)
}

func TestListDevicesBusinessErrorYieldsEmpty(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 20001, "no devices", nil)
	})

	devices, err := client.ListDevices(context.Background())

	require.NoError(t, err)
	assert.Nil(t, devices)
}

func playbackEntry(i int) string {
	return fmt.Sprintf("1.0,2.0,%d,0,0", 1700000000+i)
}

func playbackRecordOf(entries []string) string {
	return strings.Join(entries, ";")
}

func TestFetchPlaybackSinglePage(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/playback", r.URL.Path)
		require.Equal(t, "123", r.URL.Query().Get("imei"))
		require.Equal(t, "1000", r.URL.Query().Get("max_observations"))
		writeEnvelope(w, 0, "", "1.1,2.2,1700000000,10,90;3.3,4.4,1700000060,20,180")
	})

	records, err := client.FetchPlayback(context.Background(), PlaybackQuery{
		IMEI:      "123",
		BeginTime: 1699990000,
		EndTime:   1700099999,
	})
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, int64(1700000000), records[0].GPSTime.Unix())
	assert.Equal(t, int64(1700000060), records[1].GPSTime.Unix())
}

func TestFetchPlaybackPaginates(t *testing.T) {
	// 第一页恰好 1000 条触发翻页，第二页以边界记录开头
	page1 := make([]string, MaxObservationsPerPage)
	for i := range page1 {
		page1[i] = playbackEntry(i)
	}
	page2 := []string{
		playbackEntry(999), // 游标落在边界时间戳上，供应商重复返回
		playbackEntry(1000),
		playbackEntry(1001),
	}

	var beginTimes []string
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		begin := r.URL.Query().Get("begintime")
		beginTimes = append(beginTimes, begin)
		if begin == "1699990000" {
			writeEnvelope(w, 0, "", playbackRecordOf(page1))
			return
		}
		writeEnvelope(w, 0, "", playbackRecordOf(page2))
	})

	records, err := client.FetchPlayback(context.Background(), PlaybackQuery{
		IMEI:      "123",
		BeginTime: 1699990000,
		EndTime:   1700099999,
	})
	require.NoError(t, err)

	// 恰好两次请求，第二次游标为第一页最后一条的 gpstime
	require.Equal(t, []string{"1699990000", "1700000999"}, beginTimes)

	// 边界重复记录被去除
	require.Len(t, records, MaxObservationsPerPage+2)
	assert.Equal(t, int64(1700000000), records[0].GPSTime.Unix())
	assert.Equal(t, int64(1700001001), records[len(records)-1].GPSTime.Unix())

	// 升序且无重复
	for i := 1; i < len(records); i++ {
		assert.True(t, records[i].GPSTime.After(records[i-1].GPSTime))
	}
}

func TestFetchPlaybackStopsOnPartialPage(t *testing.T) {
	requests := 0
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		writeEnvelope(w, 0, "", playbackRecordOf([]string{playbackEntry(0), playbackEntry(1)}))
	})

	records, err := client.FetchPlayback(context.Background(), PlaybackQuery{
		IMEI:      "123",
		BeginTime: 1699990000,
		EndTime:   1700099999,
	})
	require.NoError(t, err)

	assert.Len(t, records, 2)
	assert.Equal(t, 1, requests)
}

func TestFetchPlaybackEmptyRecord(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 0, "", "")
	})

	records, err := client.FetchPlayback(context.Background(), PlaybackQuery{
		IMEI:      "123",
		BeginTime: 1699990000,
		EndTime:   1700099999,
	})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFetchPlaybackReauthenticatesOnExpiredToken(t *testing.T) {
	client, tokens, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") == "cached-token" {
			writeEnvelope(w, CodeExpiredToken, "token expired", nil)
			return
		}
		writeEnvelope(w, 0, "", playbackEntry(0))
	})

	records, err := client.FetchPlayback(context.Background(), PlaybackQuery{
		IMEI:      "123",
		BeginTime: 1699990000,
		EndTime:   1700099999,
	})
	require.NoError(t, err)

	assert.Len(t, records, 1)
	assert.Equal(t, 1, tokens.invalidated)
}

func TestFetchPlaybackBusinessErrorYieldsEmpty(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 30001, "imei not found", nil)
	})

	records, err := client.FetchPlayback(context.Background(), PlaybackQuery{
		IMEI:      "123",
		BeginTime: 1699990000,
		EndTime:   1700099999,
	})
	require.NoError(t, err)
	assert.Nil(t, records)
}

func TestFetchPlaybackMalformedEntryFails(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 0, "", "1.1,2.2,1700000000,10,90;garbage")
	})

	_, err := client.FetchPlayback(context.Background(), PlaybackQuery{
		IMEI:      "123",
		BeginTime: 1699990000,
		EndTime:   1700099999,
	})
	assert.Error(t, err)
}
