package shard

import "testing"

func TestAnnouncementValidate(t *testing.T) {
	cases := []struct {
		name    string
		a       Announcement
		wantErr bool
	}{
		{
			name: "valid",
			a: Announcement{ShardIndex: 1, TotalShards: 4, TotalLayers: 32,
				LayerRange: LayerRange{Start: 8, End: 16}},
		},
		{
			name: "index out of range",
			a: Announcement{ShardIndex: 4, TotalShards: 4, TotalLayers: 32,
				LayerRange: LayerRange{Start: 0, End: 8}},
			wantErr: true,
		},
		{
			name: "layer range overflows total",
			a: Announcement{ShardIndex: 0, TotalShards: 1, TotalLayers: 32,
				LayerRange: LayerRange{Start: 0, End: 40}},
			wantErr: true,
		},
		{
			name: "empty layer range",
			a: Announcement{ShardIndex: 0, TotalShards: 1, TotalLayers: 32,
				LayerRange: LayerRange{Start: 10, End: 10}},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.a.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestAnnouncementMarshalRoundTrip(t *testing.T) {
	a := &Announcement{
		PeerID: "peer1", Model: "llama-70b", ShardIndex: 2, TotalShards: 4, TotalLayers: 80,
		LayerRange: LayerRange{Start: 40, End: 60}, ListenAddresses: []string{"/ip4/1.2.3.4/udp/4001/quic-v1"},
		TimestampMs: 1234567,
	}
	data, err := a.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.PeerID != a.PeerID || got.ShardIndex != a.ShardIndex || got.LayerRange != a.LayerRange {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, a)
	}
}

func TestKeyFormat(t *testing.T) {
	if got, want := Key("llama-70b", 3), "shard:llama-70b:3"; got != want {
		t.Fatalf("Key() = %q, want %q", got, want)
	}
}
