package engine

import (
	"context"
	"encoding/json"
	"errors"

	"toptrack/internal/channel"
	"toptrack/internal/database"
	"toptrack/internal/device"
	"toptrack/internal/endpoint"
	"toptrack/internal/player"
	"toptrack/internal/queue"
	"toptrack/internal/transfer"
	"toptrack/pkg/models"

	"github.com/sirupsen/logrus"
)

func (e *Engine) registerHandlers() {
	ch := e.deps.Channel

	ch.On(channel.EventUserJoined, e.handleUserJoined)
	ch.On(channel.EventUserLeft, e.handleUserLeft)
	ch.On(channel.EventSongAdded, e.handleSongAdded)
	ch.On(channel.EventVoteUpdated, e.handleVoteUpdated)
	ch.On(channel.EventSongVoted, e.handleVoteUpdated)
	ch.On(channel.EventQueueUpdated, e.handleQueueUpdated)
	ch.On(channel.EventSongRemoved, e.handleSongRemoved)
	ch.On(channel.EventNextSongNeeded, e.handleNextSongNeeded)
	ch.On(channel.EventNextSong, e.handleNextSong)
	ch.On(channel.EventDeviceReadyAck, func(json.RawMessage) {
		e.log.Debug("Room acknowledged playback device")
	})
	ch.OnError(e.report)
	ch.OnReconnect(e.handleReconnect)

	if !e.sess.IsHost() {
		return
	}
	e.deps.Tokens.OnFailure(e.handleCredentialLoss)
	e.deps.Device.OnError(e.report)
	e.deps.Device.OnState(e.handleDeviceState)
	e.deps.Device.OnPlayer(func(ev endpoint.Event) {
		e.deps.Player.ObserveEvent(ev)
	})
}

func (e *Engine) handleUserJoined(data json.RawMessage) {
	p, err := channel.Decode[channel.MembershipPayload](data)
	if err != nil {
		e.log.WithError(err).Warn("Ignoring malformed user_joined")
		return
	}
	e.deps.Roster.Join(models.Participant{ID: p.UserID, Name: p.Username, Role: p.Role})

	if p.UserID == e.sess.ParticipantID {
		e.log.Debug("Membership acknowledged")
		if p.CurrentSong != nil {
			e.setNowPlaying(p.CurrentSong)
		}
		return
	}
	e.log.WithFields(logrus.Fields{
		"user_id":  p.UserID,
		"username": p.Username,
	}).Info("Participant joined")
}

func (e *Engine) handleUserLeft(data json.RawMessage) {
	p, err := channel.Decode[channel.MembershipPayload](data)
	if err != nil {
		e.log.WithError(err).Warn("Ignoring malformed user_left")
		return
	}
	e.deps.Roster.Leave(p.UserID)
	e.log.WithField("user_id", p.UserID).Info("Participant left")
}

func (e *Engine) handleSongAdded(data json.RawMessage) {
	p, err := channel.Decode[channel.SongAddedPayload](data)
	if err != nil {
		e.log.WithError(err).Warn("Ignoring malformed song_added")
		return
	}
	if u, applied := e.deps.Queue.ApplySongAdded(p); applied {
		e.onQueueUpdate(u)
	}
}

func (e *Engine) handleVoteUpdated(data json.RawMessage) {
	p, err := channel.Decode[channel.VoteUpdatedPayload](data)
	if err != nil {
		e.log.WithError(err).Warn("Ignoring malformed vote update")
		return
	}
	if u, applied := e.deps.Queue.ApplyVoteUpdated(p); applied {
		e.onQueueUpdate(u)
	}
}

func (e *Engine) handleQueueUpdated(data json.RawMessage) {
	p, err := channel.Decode[channel.QueueUpdatedPayload](data)
	if err != nil {
		e.log.WithError(err).Warn("Ignoring malformed queue_updated")
		return
	}
	e.onQueueUpdate(e.deps.Queue.ApplyQueueUpdated(p))
}

func (e *Engine) handleSongRemoved(data json.RawMessage) {
	p, err := channel.Decode[channel.SongRemovedPayload](data)
	if err != nil {
		e.log.WithError(err).Warn("Ignoring malformed song_removed")
		return
	}
	if u, applied := e.deps.Queue.ApplySongRemoved(p); applied {
		e.onQueueUpdate(u)
	}
}

func (e *Engine) handleNextSongNeeded(json.RawMessage) {
	if !e.sess.IsHost() {
		return
	}
	if err := e.NextTrack(); err != nil {
		e.report(err)
	}
}

func (e *Engine) handleNextSong(data json.RawMessage) {
	p, err := channel.Decode[channel.NextSongPayload](data)
	if err != nil {
		e.log.WithError(err).Warn("Ignoring malformed next_song")
		return
	}
	e.setNowPlaying(p.CurrentSong)
	if p.CurrentSong == nil {
		if e.sess.IsHost() {
			e.deps.Player.ClearTrack()
		}
		return
	}
	if e.sess.IsHost() {
		e.play(*p.CurrentSong)
	}
}

// handleReconnect refreshes the queue; the mirror keeps its state meanwhile
func (e *Engine) handleReconnect() {
	ctx := e.runContext()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		u, err := e.deps.Queue.Load(ctx)
		if err != nil {
			e.report(err)
			return
		}
		e.log.WithField("entries", len(u.Entries)).Info("Queue refreshed after reconnect")
		e.onQueueUpdate(u)
	}()
}

// handleCredentialLoss destroys the device session: without a credential
// every provider call would fail, so nothing may keep issuing them
func (e *Engine) handleCredentialLoss(err error) {
	e.report(err)
	e.deps.Transfer.Cancel()
	e.deps.Device.Stop()
	e.deps.Player.ClearTrack()
	e.log.Warn("Credential lost, playback device disconnected")
}

func (e *Engine) handleDeviceState(state device.State, sess models.DeviceSession) {
	if state != device.StateActive {
		return
	}
	if err := e.deps.Channel.Emit(channel.EventDeviceReady, channel.DeviceReadyPayload{
		RoomID:   e.sess.RoomID,
		DeviceID: sess.DeviceID,
	}); err != nil {
		e.log.WithError(err).Warn("Failed to announce playback device")
	}

	e.startMonitor()

	// a track picked while the device was coming up plays now
	st := e.deps.Player.GetState()
	if st.Desired != nil && !st.Verified {
		e.startTransfer(*st.Desired)
	}
}

// onQueueUpdate reacts to a change of the top-ranked entry
func (e *Engine) onQueueUpdate(u queue.Update) {
	if !e.sess.IsHost() || !u.TopChanged {
		return
	}
	if u.Top == nil {
		e.log.Info("Queue is empty")
		return
	}
	e.play(*u.Top)
}

// play makes entry the desired track and transfers it once the device is up
func (e *Engine) play(entry models.QueueEntry) {
	track := models.CurrentTrackFrom(entry)
	st := e.deps.Player.GetState()
	if st.Desired != nil && st.Desired.TrackID == track.TrackID && st.Verified {
		return
	}
	e.deps.Player.SetDesired(track)
	e.setNowPlaying(&entry)

	if e.deps.Device.State() != device.StateActive {
		e.log.WithField("track_id", track.TrackID).Info("Device not ready, track will play once it is")
		return
	}
	e.startTransfer(track)
}

func (e *Engine) startTransfer(track models.CurrentTrack) {
	ctx := e.runContext()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, e.cfg.TransferTimeout)
		defer cancel()

		res, err := e.deps.Transfer.Transfer(ctx, track)
		if err != nil {
			if errors.Is(err, transfer.ErrSuperseded) || errors.Is(err, context.Canceled) {
				return
			}
			e.report(err)
			return
		}
		e.transferSucceeded(res)
	}()
}

func (e *Engine) transferSucceeded(res transfer.Result) {
	e.deps.Player.MarkVerified(res.Track.TrackID, res.DeviceID, res.Strategy)
	e.log.WithFields(logrus.Fields{
		"track_id": res.Track.TrackID,
		"strategy": res.Strategy,
	}).Info("Now playing")

	if e.deps.History == nil {
		return
	}
	if _, err := e.deps.History.RecordPlay(database.PlayRecord{
		RoomID:   e.sess.RoomID,
		EntryID:  res.Track.EntryID,
		TrackID:  res.Track.TrackID,
		Title:    res.Track.Title,
		Artist:   res.Track.Artist,
		DeviceID: res.DeviceID,
		Strategy: res.Strategy,
	}); err != nil {
		e.log.WithError(err).Warn("Failed to record play")
	}
}

// startMonitor polls playback once per run to catch finished tracks
func (e *Engine) startMonitor() {
	if e.deps.Monitor == nil {
		return
	}
	e.mu.Lock()
	if e.monitoring {
		e.mu.Unlock()
		return
	}
	e.monitoring = true
	ctx := e.ctx
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.deps.Monitor.Run(ctx, func(st player.State) {
			if err := e.NextTrack(); err != nil {
				e.report(err)
			}
		})
		e.mu.Lock()
		e.monitoring = false
		e.mu.Unlock()
		if err != nil && ctx.Err() == nil {
			e.report(err)
		}
	}()
}

func (e *Engine) setNowPlaying(entry *models.QueueEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry == nil {
		e.nowPlaying = nil
		return
	}
	c := entry.Clone()
	e.nowPlaying = &c
}
