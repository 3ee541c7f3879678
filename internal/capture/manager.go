package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/audio"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/jobs"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/metrics"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/resources"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// MeetingStore is the persistence the manager needs.
type MeetingStore interface {
	CreateMeeting(ctx context.Context, title string, status database.MeetingStatus, startedAt *time.Time) (*database.Meeting, error)
	GetMeeting(ctx context.Context, id int64) (*database.Meeting, error)
	FinishRecording(ctx context.Context, id int64, status database.MeetingStatus, endedAt time.Time, files []database.AudioFile) error
	MeetingsInStatus(ctx context.Context, statuses ...database.MeetingStatus) ([]database.Meeting, error)
}

// Paths locates meeting artifacts.
type Paths interface {
	MeetingDir(id int64) (string, error)
	TrackPath(id int64, track string) string
}

// StartRequest selects the devices for a new recording.
type StartRequest struct {
	MicDevice      string `json:"mic_device"`
	LoopbackDevice string `json:"loopback_device"`
	Title          string `json:"title"`
}

// Session states.
const (
	StateRecording = "recording"
	StateStopping  = "stopping"
	StateIdle      = "idle"
)

// SessionInfo is the externally visible state of the active session.
type SessionInfo struct {
	MeetingID   int64     `json:"meeting_id"`
	State       string    `json:"state"`
	StartedAt   time.Time `json:"started_at"`
	MicBytes    int64     `json:"mic_bytes"`
	SystemBytes int64     `json:"system_bytes"`
	Error       string    `json:"error,omitempty"`
}

type track struct {
	name   string
	stream Stream
	w      *audio.Writer
	bytes  atomic.Int64
}

type session struct {
	meetingID int64
	startedAt time.Time
	lease     *resources.Lease
	tracks    []*track

	stopping  atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	err       error // set before done closes
}

func (s *session) closeStreams() {
	s.closeOnce.Do(func() {
		for _, t := range s.tracks {
			t.stream.Close()
		}
	})
}

func (s *session) info(state string) SessionInfo {
	si := SessionInfo{MeetingID: s.meetingID, State: state, StartedAt: s.startedAt}
	for _, t := range s.tracks {
		switch t.name {
		case database.TrackMic:
			si.MicBytes = t.bytes.Load()
		case database.TrackSystem:
			si.SystemBytes = t.bytes.Load()
		}
	}
	return si
}

// Manager owns the single recording session of the process.
type Manager struct {
	driver Driver
	store  MeetingStore
	paths  Paths
	reg    *resources.Registry
	bus    *jobs.EventBus
	log    zerolog.Logger

	mu   sync.Mutex
	sess *session
}

// NewManager creates a capture manager. bus may be nil.
func NewManager(driver Driver, store MeetingStore, paths Paths, reg *resources.Registry, bus *jobs.EventBus, log zerolog.Logger) *Manager {
	return &Manager{
		driver: driver,
		store:  store,
		paths:  paths,
		reg:    reg,
		bus:    bus,
		log:    log,
	}
}

// Devices lists capture devices through the driver.
func (m *Manager) Devices(ctx context.Context) (DeviceList, error) {
	return m.driver.Devices(ctx)
}

// Start opens both devices, creates the meeting and begins writing
// mic.wav and system.wav. Nothing is persisted when a device fails to open.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*database.Meeting, error) {
	lease, err := m.reg.Acquire(resources.Capture, "capture")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAlreadyRecording, err)
	}
	ok := false
	defer func() {
		if !ok {
			lease.Release()
		}
	}()

	mic, err := m.driver.Open(ctx, orDefault(req.MicDevice), Input)
	if err != nil {
		return nil, wrapDevice(err, "microphone")
	}
	sys, err := m.driver.Open(ctx, orDefault(req.LoopbackDevice), Output)
	if err != nil {
		mic.Close()
		return nil, wrapDevice(err, "system loopback")
	}
	streams := []Stream{mic, sys}
	closeAll := func() {
		for _, s := range streams {
			s.Close()
		}
	}

	now := time.Now()
	mt, err := m.store.CreateMeeting(ctx, req.Title, database.StatusRecording, &now)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("create meeting: %w", err)
	}
	if _, err := m.paths.MeetingDir(mt.ID); err != nil {
		closeAll()
		m.failMeeting(mt.ID, nil)
		return nil, err
	}

	sess := &session{
		meetingID: mt.ID,
		startedAt: now,
		lease:     lease,
		done:      make(chan struct{}),
	}
	for i, name := range []string{database.TrackMic, database.TrackSystem} {
		w, err := audio.Create(m.paths.TrackPath(mt.ID, name), streams[i].Format())
		if err != nil {
			for _, t := range sess.tracks {
				t.w.Close()
			}
			closeAll()
			m.failMeeting(mt.ID, nil)
			return nil, fmt.Errorf("create %s.wav: %w", name, err)
		}
		sess.tracks = append(sess.tracks, &track{name: name, stream: streams[i], w: w})
	}

	m.mu.Lock()
	m.sess = sess
	m.mu.Unlock()
	ok = true

	g := new(errgroup.Group)
	for _, t := range sess.tracks {
		g.Go(func() error { return m.pump(sess, t) })
	}
	go m.finalize(sess, g)

	m.log.Info().
		Int64("meeting_id", mt.ID).
		Str("mic", orDefault(req.MicDevice)).
		Str("loopback", orDefault(req.LoopbackDevice)).
		Msg("recording started")
	m.publish(sess.info(StateRecording))
	return mt, nil
}

// pump copies one stream into its writer until the session stops. The first
// genuine driver error stops the other track too.
func (m *Manager) pump(s *session, t *track) error {
	buf := make([]byte, 32*1024)
	counter := metrics.CaptureBytesTotal.WithLabelValues(t.name)
	for {
		n, err := t.stream.Read(buf)
		if n > 0 {
			if _, werr := t.w.Write(buf[:n]); werr != nil {
				err = fmt.Errorf("write %s.wav: %w", t.name, werr)
			} else {
				t.bytes.Add(int64(n))
				counter.Add(float64(n))
			}
		}
		if err == nil {
			continue
		}
		if s.stopping.Load() {
			return nil
		}
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("%s stream ended unexpectedly", t.name)
		}
		if s.stopping.CompareAndSwap(false, true) {
			s.closeStreams()
			return fmt.Errorf("%s track: %w", t.name, err)
		}
		return nil
	}
}

// finalize waits for both pumps, closes the WAV files and records the
// outcome. A driver error keeps the partial files and marks the meeting
// failed.
func (m *Manager) finalize(s *session, g *errgroup.Group) {
	runErr := g.Wait()
	s.closeStreams()

	var files []database.AudioFile
	for _, t := range s.tracks {
		if err := t.w.Close(); err != nil {
			m.log.Error().Err(err).Str("track", t.name).Msg("failed to finalize wav")
			if runErr == nil {
				runErr = err
			}
		}
		if f, err := artifact(s.meetingID, t.name, m.paths.TrackPath(s.meetingID, t.name)); err == nil {
			files = append(files, f)
		}
	}

	status := database.StatusRecorded
	if runErr != nil {
		status = database.StatusFailed
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := m.store.FinishRecording(ctx, s.meetingID, status, time.Now(), files); err != nil {
		m.log.Error().Err(err).Int64("meeting_id", s.meetingID).Msg("failed to record capture outcome")
		if runErr == nil {
			runErr = err
		}
	}
	cancel()

	info := s.info(StateIdle)
	if runErr != nil {
		info.Error = runErr.Error()
		m.log.Error().Err(runErr).Int64("meeting_id", s.meetingID).Msg("recording failed")
	} else {
		m.log.Info().
			Int64("meeting_id", s.meetingID).
			Int64("mic_bytes", info.MicBytes).
			Int64("system_bytes", info.SystemBytes).
			Msg("recording stopped")
	}

	m.mu.Lock()
	if m.sess == s {
		m.sess = nil
	}
	m.mu.Unlock()

	s.err = runErr
	s.lease.Release()
	close(s.done)
	m.publish(info)
}

// Stop ends the session recording meetingID and returns the updated meeting.
func (m *Manager) Stop(ctx context.Context, meetingID int64) (*database.Meeting, error) {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil || s.meetingID != meetingID {
		return nil, fmt.Errorf("%w: meeting %d", ErrNotRecording, meetingID)
	}

	if s.stopping.CompareAndSwap(false, true) {
		m.publish(s.info(StateStopping))
		s.closeStreams()
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.store.GetMeeting(ctx, meetingID)
}

// Active returns the current session, if any.
func (m *Manager) Active() (SessionInfo, bool) {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return SessionInfo{}, false
	}
	state := StateRecording
	if s.stopping.Load() {
		state = StateStopping
	}
	return s.info(state), true
}

// CaptureActive reports whether a session is running.
func (m *Manager) CaptureActive() bool {
	_, ok := m.Active()
	return ok
}

// Shutdown stops an active session, waiting at most until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) {
	if info, ok := m.Active(); ok {
		if _, err := m.Stop(ctx, info.MeetingID); err != nil {
			m.log.Warn().Err(err).Int64("meeting_id", info.MeetingID).Msg("failed to stop recording on shutdown")
		}
	}
}

// Recover repairs meetings left in recording by a previous process. A
// meeting becomes recorded when both tracks hold audio, else failed.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	stuck, err := m.store.MeetingsInStatus(ctx, database.StatusRecording)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	active := m.sess
	m.mu.Unlock()

	n := 0
	for _, mt := range stuck {
		if active != nil && active.meetingID == mt.ID {
			continue
		}
		var files []database.AudioFile
		for _, name := range []string{database.TrackMic, database.TrackSystem} {
			path := m.paths.TrackPath(mt.ID, name)
			info, err := audio.RepairHeader(path)
			if err != nil {
				m.log.Warn().Err(err).Int64("meeting_id", mt.ID).Str("track", name).Msg("track not recoverable")
				continue
			}
			if info.DataBytes == 0 {
				continue
			}
			files = append(files, audioFile(mt.ID, name, path, info))
		}

		status := database.StatusFailed
		if len(files) == 2 {
			status = database.StatusRecorded
		}
		endedAt := time.Now()
		if mt.StartedAt != nil && len(files) > 0 {
			endedAt = mt.StartedAt.Add(time.Duration(files[0].DurationMs) * time.Millisecond)
		}
		if err := m.store.FinishRecording(ctx, mt.ID, status, endedAt, files); err != nil {
			return n, fmt.Errorf("recover meeting %d: %w", mt.ID, err)
		}
		m.log.Warn().
			Int64("meeting_id", mt.ID).
			Str("status", string(status)).
			Int("tracks", len(files)).
			Msg("recovered interrupted recording")
		n++
	}
	return n, nil
}

func (m *Manager) failMeeting(id int64, files []database.AudioFile) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.FinishRecording(ctx, id, database.StatusFailed, time.Now(), files); err != nil {
		m.log.Error().Err(err).Int64("meeting_id", id).Msg("failed to mark meeting failed")
	}
}

func (m *Manager) publish(info SessionInfo) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(jobs.EventData{
		Type:    jobs.EventCapture,
		Key:     database.MeetingKey(info.MeetingID),
		Payload: info,
	})
}

func artifact(meetingID int64, name, path string) (database.AudioFile, error) {
	info, err := audio.ReadInfo(path)
	if err != nil {
		return database.AudioFile{}, err
	}
	return audioFile(meetingID, name, path, info), nil
}

func audioFile(meetingID int64, name, path string, info audio.Info) database.AudioFile {
	return database.AudioFile{
		MeetingID:  meetingID,
		Track:      name,
		Path:       path,
		SampleRate: info.SampleRate,
		Channels:   info.Channels,
		DurationMs: info.Duration.Milliseconds(),
		SizeBytes:  info.Size,
	}
}

func wrapDevice(err error, what string) error {
	if errors.Is(err, ErrDeviceUnavailable) {
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, what, err)
}

func orDefault(id string) string {
	if id == "" {
		return DefaultDevice
	}
	return id
}
