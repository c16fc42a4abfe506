package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/require"

	"subregion-map/internal/dataset"
	"subregion-map/internal/engine"
	"subregion-map/internal/engine/local"
	"subregion-map/internal/geoloc"
	"subregion-map/internal/logger"
	"subregion-map/internal/revgeo"
)

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readUntil(t *testing.T, ws *websocket.Conn, typ string) json.RawMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var m inbound
		require.NoError(t, ws.ReadJSON(&m))
		if m.Type == typ {
			return m.Data
		}
	}
}

func testHub(t *testing.T) *Hub {
	t.Helper()
	fc := geojson.NewFeatureCollection()
	f := geojson.NewFeature(orb.Polygon{{{150, -34}, {151, -34}, {151, -33}, {150, -33}, {150, -34}}})
	f.Properties["SUB_NAME_7"] = "Cumberland"
	f.Properties["REG_NAME_7"] = "Sydney Basin"
	f.Properties["STA_CODE"] = "NSW"
	fc.Append(f)
	ix, err := revgeo.NewIndex(fc, "SUB_NAME_7")
	require.NoError(t, err)

	return NewHub(Config{
		Engine:         local.New("topo", "streets"),
		NewLayer:       func(string) engine.FeatureLayer { return local.NewLayer("subregions", ix) },
		Basemaps:       []string{"topo", "streets"},
		DefaultBasemap: "topo",
		Viewport:       engine.Viewport{Center: engine.Coordinate{Lon: 134, Lat: -28}, Zoom: 8, Width: 800, Height: 600},
		Opacity:        1,
		Fields:         dataset.DefaultFieldMap(),
		Geo:            geoloc.DefaultOptions(),
		Locator:        LocatorClient,
		Logger:         logger.Discard(),
	})
}

func TestHubRoundTrip(t *testing.T) {
	hub := testHub(t)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	var loaded MapLoadedPayload
	require.NoError(t, json.Unmarshal(readUntil(t, ws, TypeMapLoaded), &loaded))
	require.Equal(t, "topo", loaded.Basemap)
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	var req geoloc.GeolocateRequest
	require.NoError(t, json.Unmarshal(readUntil(t, ws, TypeGeolocate), &req))
	require.NoError(t, ws.WriteJSON(Outbound{Type: TypePosition, Data: PositionPayload{ID: req.ID, Lon: 150.5, Lat: -33.5, Accuracy: 15}}))

	var ur UserRegionPayload
	require.NoError(t, json.Unmarshal(readUntil(t, ws, TypeUserRegion), &ur))
	require.NotNil(t, ur.Region)
	require.Equal(t, "Cumberland", ur.Region.SubregionName)
	require.InDelta(t, 400, ur.Fix.ScreenPoint.X, 1e-6)

	require.NoError(t, ws.WriteJSON(Outbound{Type: TypePointer, Data: PointerPayload{Kind: "click", X: 400, Y: 300}}))
	var panel dataset.RegionAttributes
	require.NoError(t, json.Unmarshal(readUntil(t, ws, TypePanel), &panel))
	require.Equal(t, "NSW", panel.State)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "teleport"}))
	readUntil(t, ws, TypeError)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))
	require.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubRejectsUpgradesAfterShutdown(t *testing.T) {
	hub := testHub(t)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	open, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer open.Close()
	readUntil(t, open, TypeMapLoaded)
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))
	require.Equal(t, 0, hub.Count())

	// 已有连接被关闭
	require.NoError(t, open.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := open.ReadMessage(); err != nil {
			break
		}
	}

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, 0, hub.Count())

	require.False(t, hub.add("late", nil, nil), "sessions are not registered once shutdown began")
	require.Equal(t, 0, hub.Count())
	require.NoError(t, hub.Shutdown(ctx))
}
