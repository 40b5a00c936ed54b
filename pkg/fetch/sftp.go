package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/slateboard/slateboard/pkg/engine"
)

// fetchSFTP retrieves content from an SFTP server. The URL may embed the
// login (sftp://user@host:2022/boards/remap.star); the config fills in
// whatever the URL omits.
func (f *Fetcher) fetchSFTP(ctx context.Context, u *url.URL) ([]byte, error) {
	addr, clientConfig, err := f.sshClientConfig(u)
	if err != nil {
		return nil, err
	}

	f.logger.Debug().Str("address", addr).Str("path", u.Path).Msg("Fetching content over sftp")

	sshClient, err := f.dialSSH(ctx, addr, clientConfig)
	if err != nil {
		return nil, err
	}
	defer sshClient.Close()

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, engine.NewTransientError(
			fmt.Sprintf("failed to open sftp session to %s", addr), err)
	}
	defer sftpClient.Close()

	remote, err := sftpClient.Open(u.Path)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("content not found at %s", u.String()), err)
	}
	defer remote.Close()

	if info, err := remote.Stat(); err == nil && info.Size() > f.cfg.MaxContentBytes {
		return nil, f.sizeError(u.String(), info.Size())
	}

	data, err := io.ReadAll(io.LimitReader(remote, f.cfg.MaxContentBytes+1))
	if err != nil {
		return nil, engine.NewTransientError(
			fmt.Sprintf("failed to read content from %s", u.String()), err)
	}
	if int64(len(data)) > f.cfg.MaxContentBytes {
		return nil, f.sizeError(u.String(), int64(len(data)))
	}
	return data, nil
}

// sshClientConfig assembles the SSH login for an sftp URL.
func (f *Fetcher) sshClientConfig(u *url.URL) (string, *ssh.ClientConfig, error) {
	host := u.Hostname()
	if host == "" {
		return "", nil, engine.NewPermanentError(
			fmt.Sprintf("sftp url has no host: %q", u.String()), nil).
			WithCode(engine.ErrCodeValidation)
	}
	port := u.Port()
	if port == "" {
		port = "22"
	}

	user := u.User.Username()
	if user == "" {
		user = f.cfg.SSHUser
	}
	if user == "" {
		return "", nil, engine.NewPermanentError(
			"sftp url has no user and no default user is configured", nil).
			WithCode(engine.ErrCodeValidation)
	}

	password := f.cfg.SSHPassword
	if pw, ok := u.User.Password(); ok {
		password = pw
	}

	var authMethods []ssh.AuthMethod
	if f.cfg.SSHPrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(f.cfg.SSHPrivateKeyPath)
		if err != nil {
			return "", nil, engine.NewPermanentError("failed to read private key", err)
		}

		var signer ssh.Signer
		if f.cfg.SSHPrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(f.cfg.SSHPrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return "", nil, engine.NewPermanentError("failed to parse private key", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if password != "" {
		authMethods = append(authMethods, ssh.Password(password))
	}
	if len(authMethods) == 0 {
		return "", nil, engine.NewPermanentError(
			"no ssh authentication configured for sftp urls", nil).
			WithCode(engine.ErrCodeValidation)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if f.cfg.SSHKnownHostsPath != "" && f.cfg.SSHStrictHostKeyChecking {
		cb, err := knownhosts.New(f.cfg.SSHKnownHostsPath)
		if err != nil {
			return "", nil, engine.NewPermanentError("failed to load known_hosts", err)
		}
		hostKeyCallback = cb
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	clientConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         f.cfg.SSHConnectTimeout,
	}
	return host + ":" + port, clientConfig, nil
}

// dialSSH establishes the SSH connection, honoring context cancellation.
func (f *Fetcher) dialSSH(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	connCh := make(chan *ssh.Client, 1)
	errCh := make(chan error, 1)

	go func() {
		client, err := ssh.Dial("tcp", addr, config)
		if err != nil {
			errCh <- err
			return
		}
		connCh <- client
	}()

	select {
	case <-ctx.Done():
		// Close the connection if the abandoned dial eventually lands.
		go func() {
			select {
			case client := <-connCh:
				client.Close()
			case <-errCh:
			}
		}()
		return nil, ctx.Err()
	case err := <-errCh:
		return nil, engine.NewTransientError(
			fmt.Sprintf("failed to connect to %s", addr), err)
	case client := <-connCh:
		return client, nil
	}
}
