package transport

import (
	"context"
	"fmt"

	"github.com/cartpauj/pure-go-sftp/transport/kex"
	"github.com/cartpauj/pure-go-sftp/wire"
)

// rawWrite writes payload to the pipeline without the rekey-threshold
// bookkeeping WritePacket does, and without taking rekeyGate: every caller
// either runs before any other writer exists (initial handshake) or already
// holds rekeyGate for the duration of the exchange (rekey).
func (t *Transport) rawWrite(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.pipe.writePacket(payload)
}

// runKex sends our KEXINIT, reads the server's, and runs the negotiated
// algorithm to completion. Used both for the initial handshake and for a
// client-initiated rekey.
func (t *Transport) runKex(ctx context.Context, isFirst bool) error {
	clientInit := t.cfg.algorithms()
	clientPayload := clientInit.marshal()
	if err := t.rawWrite(clientPayload); err != nil {
		return fmt.Errorf("send kexinit: %w", err)
	}

	serverPayload, err := t.ReadPacketSkippingChatter()
	if err != nil {
		return fmt.Errorf("read kexinit: %w", err)
	}
	if len(serverPayload) < 1 || serverPayload[0] != MsgKexInit {
		return fmt.Errorf("expected KEXINIT, got message %d: %w", firstByte(serverPayload), ErrUnexpectedMessage)
	}

	return t.completeKex(ctx, clientInit, clientPayload, serverPayload, isFirst)
}

// handleServerInitiatedRekey responds to a KEXINIT the server sent first
// (payload already read by Serve's loop). rekeyGate is held for the whole
// exchange so ordinary WritePacket callers (channel data, SFTP requests)
// block until the new keys are active, matching the RFC 4253 §7 restriction
// that no other message may cross while KEX is in flight.
func (t *Transport) handleServerInitiatedRekey(ctx context.Context, serverPayload []byte) error {
	t.rekeyGate.Lock()
	defer t.rekeyGate.Unlock()

	t.Log().Debug("server initiated rekey")

	clientInit := t.cfg.algorithms()
	clientPayload := clientInit.marshal()
	if err := t.rawWrite(clientPayload); err != nil {
		return fmt.Errorf("send kexinit: %w", err)
	}

	return t.completeKex(ctx, clientInit, clientPayload, serverPayload, false)
}

// Rekey triggers a client-initiated rekey, per embedder policy
// (Config.RekeyAfterBytes/Packets, or an explicit caller decision). It is
// also what Serve calls automatically once a threshold is crossed.
func (t *Transport) Rekey(ctx context.Context) error {
	t.rekeyGate.Lock()
	defer t.rekeyGate.Unlock()
	return t.runKex(ctx, false)
}

// completeKex negotiates algorithms from the two raw KEXINIT payloads, runs
// the chosen Exchanger, verifies the host key, derives session keys, and
// performs the NEWKEYS cutover. On the very first KEX, H becomes the
// permanent session_id; on rekey, session_id is untouched.
func (t *Transport) completeKex(_ context.Context, clientInit *kexInitPayload, clientPayload, serverPayload []byte, isFirst bool) error {
	serverInit, err := parseKexInit(serverPayload)
	if err != nil {
		return err
	}

	algos, err := negotiate(clientInit, serverInit)
	if err != nil {
		return fmt.Errorf("negotiate algorithms: %w", err)
	}

	exchanger, err := kex.New(algos.kex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoAlgorithmMatch, err)
	}

	if err := t.rawWrite(exchanger.Init()); err != nil {
		return fmt.Errorf("send kex init message: %w", err)
	}

	replyPayload, err := t.ReadPacketSkippingChatter()
	if err != nil {
		return fmt.Errorf("read kex reply: %w", err)
	}

	hashInputs := kex.HashInputs{
		Vc: t.clientVersion,
		Vs: t.serverVersion,
		Ic: clientPayload,
		Is: serverPayload,
	}
	result, err := exchanger.HandleReply(replyPayload, hashInputs)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrKexFailed, err)
	}

	if t.cfg.HostKeyVerifier != nil {
		if err := t.cfg.HostKeyVerifier(result.HostKeyBlob); err != nil {
			return fmt.Errorf("%w: %v", ErrHostKeyRejected, err)
		}
	}

	if isFirst {
		t.sessionID = result.H
	}

	cd := cipherTable[algos.cipherC2S]
	ivLen, keyLen := cd.ivSize, cd.keySize
	macLen := 0
	if !cd.gcm {
		macLen = macTable[algos.macC2S].keySize
	}
	keys := result.DeriveKeys(t.sessionID, ivLen, keyLen, macLen)

	outDC, err := newDirectionContext(algos.cipherC2S, algos.macC2S, keys.KeyClientToServer, keys.IVClientToServer, keys.MACClientToServer)
	if err != nil {
		return fmt.Errorf("build outbound cipher context: %w", err)
	}
	inDC, err := newDirectionContext(algos.cipherS2C, algos.macS2C, keys.KeyServerToClient, keys.IVServerToClient, keys.MACServerToClient)
	if err != nil {
		return fmt.Errorf("build inbound cipher context: %w", err)
	}

	if err := t.rawWrite(wire.PutByte(nil, MsgNewKeys)); err != nil {
		return fmt.Errorf("send newkeys: %w", err)
	}
	t.pipe.setOutbound(outDC)

	reply, err := t.ReadPacketSkippingChatter()
	if err != nil {
		return fmt.Errorf("read newkeys: %w", err)
	}
	if len(reply) < 1 || reply[0] != MsgNewKeys {
		return fmt.Errorf("expected NEWKEYS, got message %d: %w", firstByte(reply), ErrUnexpectedMessage)
	}
	t.pipe.setInbound(inDC)

	t.algos = algos
	t.clientKexInitPayload = clientPayload
	t.serverKexInitPayload = serverPayload
	t.bytesSinceRekey = 0
	t.packetsSinceRekey = 0
	return nil
}
