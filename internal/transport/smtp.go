package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

const smtpDialTimeout = 30 * time.Second

// SMTPTransport delivers through authenticated relay sessions drawn from a
// connection pool. One mail transaction per Send; the session itself stays
// open across sends until the pool retires it.
type SMTPTransport struct {
	pool *ConnectionPool
	log  *logger.Logger
}

// NewSMTPTransport creates the adapter over the given pool.
func NewSMTPTransport(pool *ConnectionPool) *SMTPTransport {
	return &SMTPTransport{
		pool: pool,
		log:  logger.Component("smtp"),
	}
}

// Send runs one relay transaction. A 4xx/5xx reply from the relay becomes a
// rejected Result carrying the code; everything else is a transport error.
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) (*Result, error) {
	session, release, err := t.pool.Get(ctx, msg.SMTP)
	if err != nil {
		return nil, err
	}

	raw, msgID := buildMIME(msg)
	err = session.SendMail(ctx, msg.FromEmail, []string{msg.To}, raw)
	release(sessionError(err))
	if err != nil {
		var protoErr *textproto.Error
		if errors.As(err, &protoErr) {
			t.log.Warn("relay rejected message",
				"recipient", logger.RedactEmail(msg.To), "code", protoErr.Code, "response", protoErr.Msg)
			return &Result{Accepted: false, Code: protoErr.Code, Response: protoErr.Msg}, nil
		}
		return nil, fmt.Errorf("relay send to %s: %w", logger.RedactEmail(msg.To), err)
	}

	t.log.Debug("relay accepted message",
		"recipient", logger.RedactEmail(msg.To), "message_id", msgID)
	return &Result{Accepted: true, MessageID: msgID}, nil
}

// sessionError decides whether an error should retire the pooled session.
// A protocol-level rejection leaves the session healthy; anything else
// (broken pipe, timeout) does not.
func sessionError(err error) error {
	if err == nil {
		return nil
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return nil
	}
	return err
}

// buildMIME assembles a multipart/alternative message with a text part
// derived from the HTML, and returns the raw bytes plus the generated
// Message-ID.
func buildMIME(msg *Message) ([]byte, string) {
	boundary := "b-" + uuid.New().String()
	msgID := fmt.Sprintf("<%s@%s>", uuid.New().String(), domainOf(msg.FromEmail))

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\r\n", msg.FromName, msg.FromEmail)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	if msg.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", msg.ReplyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", msgID)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n", boundary)
	b.WriteString("\r\n")

	writePart(&b, boundary, "text/plain; charset=UTF-8", plainTextFromHTML(msg.HTMLBody))
	writePart(&b, boundary, "text/html; charset=UTF-8", msg.HTMLBody)
	fmt.Fprintf(&b, "--%s--\r\n", boundary)

	return []byte(b.String()), msgID
}

func writePart(b *strings.Builder, boundary, contentType, body string) {
	fmt.Fprintf(b, "--%s\r\n", boundary)
	fmt.Fprintf(b, "Content-Type: %s\r\n", contentType)
	b.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
	qp := quotedprintable.NewWriter(b)
	qp.Write([]byte(body))
	qp.Close()
	b.WriteString("\r\n")
}

func domainOf(addr string) string {
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		return addr[at+1:]
	}
	return "localhost"
}

// smtpSession wraps one authenticated smtp.Client.
type smtpSession struct {
	client *smtp.Client
	conn   net.Conn
}

// DialSession is the pool's SessionFactory for real relays: TCP dial with
// an optional pinned local address, STARTTLS when offered, AUTH PLAIN.
func DialSession(ctx context.Context, auth SMTPAuth) (Session, error) {
	dialer := &net.Dialer{Timeout: smtpDialTimeout}
	if auth.BindAddr != "" {
		addr, err := net.ResolveTCPAddr("tcp", auth.BindAddr+":0")
		if err != nil {
			return nil, fmt.Errorf("resolve bind address %s: %w", auth.BindAddr, err)
		}
		dialer.LocalAddr = addr
	}

	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", auth.Host, auth.Port))
	if err != nil {
		return nil, fmt.Errorf("dial %s:%d: %w", auth.Host, auth.Port, err)
	}

	client, err := smtp.NewClient(conn, auth.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp handshake with %s: %w", auth.Host, err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: auth.Host}); err != nil {
			client.Close()
			return nil, fmt.Errorf("starttls with %s: %w", auth.Host, err)
		}
	}

	if auth.User != "" {
		if err := client.Auth(smtp.PlainAuth("", auth.User, auth.Password, auth.Host)); err != nil {
			client.Close()
			return nil, fmt.Errorf("auth as %s: %w", logger.RedactCredential(auth.User), err)
		}
	}

	return &smtpSession{client: client, conn: conn}, nil
}

// SendMail runs MAIL FROM / RCPT TO / DATA on the session. The context
// bounds the transaction through a connection deadline.
func (s *smtpSession) SendMail(ctx context.Context, from string, to []string, raw []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetDeadline(deadline)
		defer s.conn.SetDeadline(time.Time{})
	}

	if err := s.client.Mail(from); err != nil {
		s.client.Reset()
		return err
	}
	for _, rcpt := range to {
		if err := s.client.Rcpt(rcpt); err != nil {
			// RSET so the session stays usable for the next transaction.
			s.client.Reset()
			return err
		}
	}
	w, err := s.client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (s *smtpSession) Close() error {
	if err := s.client.Quit(); err != nil {
		return s.client.Close()
	}
	return nil
}
