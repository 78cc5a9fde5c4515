package wire

import (
	"net"
	"os"
	"time"

	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
	"github.com/pkg/errors"
)

// Session is a connection bound to a peer identity after the handshake.
type Session struct {
	conn     net.Conn
	Identity model.NodeIdentity
	timeout  time.Duration
	dead     bool
}

func NewSession(conn net.Conn) *Session {
	return &Session{conn: conn}
}

// SetTimeout bounds every transfer by d. Reads wait for the peer's first byte without a
// deadline, since the peer may be training or aggregating. Zero disables it.
func (s *Session) SetTimeout(d time.Duration) {
	s.timeout = d
}

func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *Session) Alive() bool {
	return !s.dead
}

// MarkDead excludes the session from the rest of the exchange.
func (s *Session) MarkDead() {
	s.dead = true
}

func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) arm() {
	if s.timeout > 0 {
		s.conn.SetDeadline(time.Now().Add(s.timeout))
	} else {
		s.conn.SetDeadline(time.Time{})
	}
}

// awaitReader reads from the session's connection. The first Read has no deadline; once the
// peer starts sending, the rest of the transfer runs under the session timeout.
type awaitReader struct {
	s       *Session
	started bool
}

func (s *Session) await() *awaitReader {
	s.conn.SetReadDeadline(time.Time{})
	return &awaitReader{s: s}
}

func (r *awaitReader) Read(p []byte) (int, error) {
	n, err := r.s.conn.Read(p)
	if !r.started && n > 0 {
		r.started = true
		if r.s.timeout > 0 {
			r.s.conn.SetReadDeadline(time.Now().Add(r.s.timeout))
		}
	}

	return n, err
}

func (s *Session) SendIdentity(id model.NodeIdentity) error {
	s.arm()
	return errors.Wrap(SendExact(s.conn, id.FixedWidth()), "identity handshake")
}

// RecvIdentity reads the peer's fixed-width identity and binds it to the session.
func (s *Session) RecvIdentity() (model.NodeIdentity, error) {
	s.arm()
	buf, err := RecvExact(s.conn, model.IdentityWidth)
	if err != nil {
		return "", err
	}
	s.Identity = model.ParseIdentity(buf)

	return s.Identity, nil
}

// SendArtifact streams the file at path as one length-prefixed payload.
func (s *Session) SendArtifact(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "unable to open artifact %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "unable to stat artifact %s", path)
	}

	s.arm()
	return WritePayload(s.conn, f, info.Size())
}

// RecvArtifact writes one length-prefixed payload to path. A partial file is removed.
func (s *Session) RecvArtifact(path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrapf(err, "unable to create artifact %s", path)
	}

	n, err := ReadPayload(s.await(), f)
	closeErr := f.Close()
	if err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "unable to write artifact %s", path)
	}
	if err != nil {
		os.Remove(path)
		return n, err
	}

	return n, nil
}

// SendReport writes F1 then accuracy.
func (s *Session) SendReport(report model.QualityReport) error {
	s.arm()
	if err := WriteFloat64(s.conn, report.F1); err != nil {
		return err
	}

	return WriteFloat64(s.conn, report.Accuracy)
}

func (s *Session) RecvReport() (model.QualityReport, error) {
	r := s.await()
	f1, err := ReadFloat64(r)
	if err != nil {
		return model.QualityReport{}, err
	}
	accuracy, err := ReadFloat64(r)
	if err != nil {
		return model.QualityReport{}, err
	}

	return model.QualityReport{F1: f1, Accuracy: accuracy}, nil
}

func (s *Session) SendSignal(signal byte) error {
	s.arm()
	return WriteSignal(s.conn, signal)
}

func (s *Session) RecvSignal() (byte, error) {
	return ReadSignal(s.await())
}
