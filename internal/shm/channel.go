/*
 *
 * Copyright 2025 The lapce-ai Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shm

import "go.uber.org/multierr"

// Channel bundles one ring direction with its two doorbells, so that ringing
// the wrong doorbell for a buffer is unrepresentable above this layer.
// Data is rung by the writer after publishing a frame and waited on by the
// reader; Space is rung by the reader after freeing room and waited on by a
// backpressured writer.
type Channel struct {
	Ring  *Ring
	Data  Doorbell
	Space Doorbell
}

// Close closes the channel's doorbells. The ring itself lives in the
// segment and is torn down with it.
func (c *Channel) Close() error {
	var err error
	if c.Data != nil {
		err = multierr.Append(err, c.Data.Close())
	}
	if c.Space != nil {
		err = multierr.Append(err, c.Space.Close())
	}
	return err
}

// NewChannels builds the inbound and outbound channels for one side of a
// segment. The server reads the client->server ring and writes the
// server->client ring; the client is the mirror image. create causes the
// platform doorbell objects to be created rather than opened; the segment
// creator passes true.
func NewChannels(seg *Segment, name string, server, create bool, maxMessageSize uint32) (inbound, outbound *Channel, err error) {
	c2s := NewRingForSegment(seg, true, maxMessageSize)
	s2c := NewRingForSegment(seg, false, maxMessageSize)

	c2sData, err := newDoorbell(seg.C2SRing().DataSeqWord(), name+"_"+bellC2SData, create)
	if err != nil {
		return nil, nil, err
	}
	c2sSpace, err := newDoorbell(seg.C2SRing().SpaceSeqWord(), name+"_"+bellC2SSpace, create)
	if err != nil {
		c2sData.Close()
		return nil, nil, err
	}
	s2cData, err := newDoorbell(seg.S2CRing().DataSeqWord(), name+"_"+bellS2CData, create)
	if err != nil {
		c2sData.Close()
		c2sSpace.Close()
		return nil, nil, err
	}
	s2cSpace, err := newDoorbell(seg.S2CRing().SpaceSeqWord(), name+"_"+bellS2CSpace, create)
	if err != nil {
		c2sData.Close()
		c2sSpace.Close()
		s2cData.Close()
		return nil, nil, err
	}

	c2sCh := &Channel{Ring: c2s, Data: c2sData, Space: c2sSpace}
	s2cCh := &Channel{Ring: s2c, Data: s2cData, Space: s2cSpace}
	if server {
		return c2sCh, s2cCh, nil
	}
	return s2cCh, c2sCh, nil
}
