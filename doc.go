// Package sftpclient is the embedder-facing facade over this module's
// transport, authentication, channel and SFTP layers: Dial opens a TCP
// connection, runs the SSH handshake and authentication, opens a session
// channel, starts the "sftp" subsystem, and returns a ready-to-use Client.
package sftpclient
