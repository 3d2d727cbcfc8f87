package biliapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// NewHTTPClient builds the shared HTTP client used for upstream REST calls.
// A nil jar is replaced with a fresh, empty jar so the client always has
// somewhere to accumulate cookies.
func NewHTTPClient(jar http.CookieJar) *http.Client {
	if jar == nil {
		jar, _ = cookiejar.New(nil)
	}
	return &http.Client{
		Jar:     jar,
		Timeout: 10 * time.Second,
	}
}

func doGet(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: unexpected status %s", url, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}

// InfoByRoom resolves a room's canonical (long) room id and streamer name
// from a possibly-short room id.
func InfoByRoom(ctx context.Context, client *http.Client, roomID uint64) (RoomInfo, error) {
	url := fmt.Sprintf("https://api.live.bilibili.com/room/v1/Room/get_info?room_id=%d", roomID)
	var info RoomInfo
	if err := doGet(ctx, client, url, &info); err != nil {
		return RoomInfo{}, err
	}
	if info.RoomID == 0 {
		info.RoomID = roomID
	}
	return info, nil
}

// FetchDanmuInfo resolves the live-server endpoints and auth token used to
// open a LiveConnection for the given (long) room id.
func FetchDanmuInfo(ctx context.Context, client *http.Client, longRoomID uint64) (DanmuInfo, error) {
	url := fmt.Sprintf("https://api.live.bilibili.com/xlive/web-room/v1/index/getDanmuInfo?id=%d", longRoomID)
	var info DanmuInfo
	if err := doGet(ctx, client, url, &info); err != nil {
		return DanmuInfo{}, err
	}
	if len(info.Servers) == 0 {
		return DanmuInfo{}, fmt.Errorf("getDanmuInfo returned no servers for room %d", longRoomID)
	}
	return info, nil
}

// FetchUserInfo retrieves the public profile (name, follower count) of a
// uploader account.
func FetchUserInfo(ctx context.Context, client *http.Client, uid uint64) (UserInfo, error) {
	url := fmt.Sprintf("https://api.bilibili.com/x/space/acc/info?mid=%d", uid)
	var info UserInfo
	if err := doGet(ctx, client, url, &info); err != nil {
		return UserInfo{}, err
	}
	info.UID = uid
	return info, nil
}

// FetchUploaderStat retrieves aggregate view/like counters for an uploader.
func FetchUploaderStat(ctx context.Context, client *http.Client, uid uint64) (UploaderStat, error) {
	url := fmt.Sprintf("https://api.bilibili.com/x/space/upstat?mid=%d", uid)
	var stat UploaderStat
	if err := doGet(ctx, client, url, &stat); err != nil {
		return UploaderStat{}, err
	}
	return stat, nil
}
