package channel

import (
	"encoding/json"
	"fmt"

	"livetrack/internal/domain/track"
)

func decodeResult(env track.Envelope) (track.ResultPayload, error) {
	if env.Type != track.TypeResult {
		return track.ResultPayload{}, fmt.Errorf("expected result frame, got %q", env.Type)
	}
	var res track.ResultPayload
	if err := json.Unmarshal(env.Data, &res); err != nil {
		return track.ResultPayload{}, err
	}
	return res, nil
}

// decodeEvent translates a server push frame into a track.Event.
func decodeEvent(env track.Envelope) (track.Event, error) {
	switch env.Type {
	case track.TypeLocationUpdated:
		var p track.LocationUpdatedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return track.Event{}, err
		}
		sample := p.Sample()
		return track.Event{
			Type:     track.EventLocationUpdated,
			EntityID: p.EntityID, SessionID: p.SessionID,
			Location: &sample,
		}, nil

	case track.TypeTrackingStartedAck:
		var p track.TrackingStartedAckPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return track.Event{}, err
		}
		session := p.Session
		return track.Event{
			Type:     track.EventTrackingStartedAck,
			EntityID: session.EntityID, SessionID: session.SessionID,
			Session: &session,
		}, nil

	case track.TypeTrackingStopped, track.TypeTrackingStoppedBySystem:
		var p track.TrackingStoppedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return track.Event{}, err
		}
		evType := track.EventTrackingStopped
		if env.Type == track.TypeTrackingStoppedBySystem {
			evType = track.EventTrackingStoppedBySystem
		}
		return track.Event{
			Type:     evType,
			EntityID: p.EntityID, SessionID: p.SessionID, Reason: p.Reason,
		}, nil

	case track.TypeTrackingError:
		var p track.TrackingErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return track.Event{}, err
		}
		return track.Event{
			Type: track.EventTrackingError,
			Err:  fmt.Errorf("tracking error: %s", p.Message),
		}, nil

	case track.TypeSpectatorJoined:
		var p track.SpectatorJoinedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return track.Event{}, err
		}
		return track.Event{
			Type:     track.EventSpectatorJoined,
			EntityID: p.EntityID, SessionID: p.SessionID,
			Spectators: p.TotalSpectators,
		}, nil

	case track.TypeSpectatorJoinedAck:
		var p track.SpectatorJoinedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return track.Event{}, err
		}
		return track.Event{
			Type:     track.EventSpectatorJoinedAck,
			EntityID: p.EntityID, SessionID: p.SessionID,
			Spectators: p.TotalSpectators,
		}, nil

	default:
		return track.Event{}, fmt.Errorf("unknown event type %q", env.Type)
	}
}
