// File: internal/sdp/sdp.go
// Package sdp converts session descriptors to and from SDP text.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Control channels are "m=application <port> TCP/MRCPv2 1" with setup,
// connection, resource, channel and cmid attributes. Audio is
// "m=audio <port> RTP/AVP <pt...>" with rtpmap, direction, ptime and mid.

package sdp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	psdp "github.com/pion/sdp/v3"

	"github.com/momentics/hioload-mrcp/api"
)

// ErrMalformed reports SDP that does not describe a valid session.
var ErrMalformed = errors.New("sdp: malformed description")

const (
	mediaApplication = "application"
	mediaAudio       = "audio"
	defaultIP        = "0.0.0.0"

	// placeholderProto stands in on m= lines whose transport the parser
	// does not register, such as TCP/MRCPv2.
	placeholderProto = "RTP/AVP"
)

// parserProtos are the proto tokens pion/sdp accepts on an m= line.
var parserProtos = map[string]bool{
	"UDP": true, "RTP": true, "AVP": true, "SAVP": true, "SAVPF": true, "TLS": true, "DTLS": true,
	"SCTP": true, "AVPF": true, "TCP": true, "MSRP": true, "BFCP": true, "UDT": true, "IX": true,
}

var sessionVersion atomic.Uint64

// Encode renders d as SDP.
func Encode(d *api.SessionDescriptor) ([]byte, error) {
	if d == nil {
		return nil, api.ErrInvalidArgument
	}
	ip := d.IP
	if ip == "" {
		ip = defaultIP
	}
	origin := d.Origin
	if origin == "" {
		origin = "-"
	}
	sd := &psdp.SessionDescription{
		Origin: psdp.Origin{
			Username:       origin,
			SessionID:      1,
			SessionVersion: sessionVersion.Add(1),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ip,
		},
		SessionName:           "-",
		ConnectionInformation: connection(ip),
		TimeDescriptions:      []psdp.TimeDescription{{}},
	}
	for _, cd := range d.ControlMedia {
		sd.MediaDescriptions = append(sd.MediaDescriptions, controlMedia(cd, ip))
	}
	for _, am := range d.AudioMedia {
		sd.MediaDescriptions = append(sd.MediaDescriptions, audioMedia(am, ip))
	}
	return sd.Marshal()
}

func connection(ip string) *psdp.ConnectionInformation {
	return &psdp.ConnectionInformation{NetworkType: "IN", AddressType: "IP4", Address: &psdp.Address{Address: ip}}
}

func controlMedia(cd *api.ControlDescriptor, sessionIP string) *psdp.MediaDescription {
	proto := cd.Proto
	if proto == "" {
		proto = "TCP/MRCPv2"
	}
	md := &psdp.MediaDescription{
		MediaName: psdp.MediaName{
			Media:   mediaApplication,
			Port:    psdp.RangedPort{Value: cd.Port},
			Protos:  strings.Split(proto, "/"),
			Formats: []string{"1"},
		},
	}
	if cd.IP != "" && cd.IP != sessionIP {
		md.ConnectionInformation = connection(cd.IP)
	}
	setup := "active"
	if cd.Setup == api.SetupPassive {
		setup = "passive"
	}
	conn := "new"
	if cd.Connection == api.ConnectionExisting {
		conn = "existing"
	}
	md = md.WithValueAttribute("setup", setup).
		WithValueAttribute("connection", conn).
		WithValueAttribute("resource", cd.ResourceName)
	if cd.SessionID != "" {
		md = md.WithValueAttribute("channel", api.ChannelID(cd.SessionID, cd.ResourceName))
	}
	if cd.CMID > 0 {
		md = md.WithValueAttribute("cmid", strconv.Itoa(cd.CMID))
	}
	return md
}

func audioMedia(am *api.RTPMediaDescriptor, sessionIP string) *psdp.MediaDescription {
	md := &psdp.MediaDescription{
		MediaName: psdp.MediaName{
			Media:  mediaAudio,
			Port:   psdp.RangedPort{Value: am.Port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	if am.IP != "" && am.IP != sessionIP {
		md.ConnectionInformation = connection(am.IP)
	}
	for _, c := range am.Codecs {
		pt := strconv.Itoa(int(c.PayloadType))
		md.MediaName.Formats = append(md.MediaName.Formats, pt)
		md = md.WithValueAttribute("rtpmap", fmt.Sprintf("%s %s/%d", pt, c.Name, c.Rate))
	}
	if len(md.MediaName.Formats) == 0 {
		md.MediaName.Formats = []string{"0"}
	}
	md = md.WithPropertyAttribute(direction(am))
	if am.PTime > 0 {
		md = md.WithValueAttribute("ptime", strconv.Itoa(am.PTime))
	}
	if am.MID > 0 {
		md = md.WithValueAttribute("mid", strconv.Itoa(am.MID))
	}
	return md
}

func direction(am *api.RTPMediaDescriptor) string {
	switch {
	case am.Port == 0 || am.Mode == api.ModeNone:
		return "inactive"
	case am.Mode == api.ModeSend:
		return "sendonly"
	case am.Mode == api.ModeReceive:
		return "recvonly"
	default:
		return "sendrecv"
	}
}

// Decode parses SDP into a descriptor. Media ids follow order of appearance
// within each media kind.
func Decode(b []byte) (*api.SessionDescriptor, error) {
	masked, protos := maskProtos(b)
	var sd psdp.SessionDescription
	if err := sd.Unmarshal(masked); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for i, proto := range protos {
		if i < len(sd.MediaDescriptions) {
			sd.MediaDescriptions[i].MediaName.Protos = strings.Split(proto, "/")
		}
	}
	d := &api.SessionDescriptor{Origin: sd.Origin.Username, IP: sd.Origin.UnicastAddress}
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		d.IP = sd.ConnectionInformation.Address.Address
	}
	for _, md := range sd.MediaDescriptions {
		ip := d.IP
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			ip = md.ConnectionInformation.Address.Address
		}
		switch md.MediaName.Media {
		case mediaApplication:
			cd, err := decodeControl(md, ip)
			if err != nil {
				return nil, err
			}
			cd.ID = len(d.ControlMedia)
			d.ControlMedia = append(d.ControlMedia, cd)
		case mediaAudio:
			am, err := decodeAudio(md, ip)
			if err != nil {
				return nil, err
			}
			am.ID = len(d.AudioMedia)
			d.AudioMedia = append(d.AudioMedia, am)
		}
	}
	return d, nil
}

// maskProtos swaps unregistered transports for placeholderProto and returns
// the originals keyed by media index.
func maskProtos(b []byte) ([]byte, map[int]string) {
	lines := strings.Split(string(b), "\n")
	var protos map[int]string
	media := -1
	for i, line := range lines {
		if !strings.HasPrefix(line, "m=") {
			continue
		}
		media++
		body, cr := strings.CutSuffix(line, "\r")
		fields := strings.Split(body, " ")
		if len(fields) < 3 || registered(fields[2]) {
			continue
		}
		if protos == nil {
			protos = make(map[int]string)
		}
		protos[media] = fields[2]
		fields[2] = placeholderProto
		lines[i] = strings.Join(fields, " ")
		if cr {
			lines[i] += "\r"
		}
	}
	if protos == nil {
		return b, nil
	}
	return []byte(strings.Join(lines, "\n")), protos
}

func registered(proto string) bool {
	for _, p := range strings.Split(proto, "/") {
		if !parserProtos[p] {
			return false
		}
	}
	return true
}

func decodeControl(md *psdp.MediaDescription, ip string) (*api.ControlDescriptor, error) {
	cd := &api.ControlDescriptor{
		IP:    ip,
		Port:  md.MediaName.Port.Value,
		Proto: strings.Join(md.MediaName.Protos, "/"),
	}
	if v, ok := md.Attribute("setup"); ok && v == "passive" {
		cd.Setup = api.SetupPassive
	}
	if v, ok := md.Attribute("connection"); ok && v == "existing" {
		cd.Connection = api.ConnectionExisting
	}
	if v, ok := md.Attribute("resource"); ok {
		cd.ResourceName = v
	}
	if v, ok := md.Attribute("channel"); ok {
		sid, res, found := strings.Cut(v, "@")
		if !found {
			return nil, fmt.Errorf("%w: channel %q", ErrMalformed, v)
		}
		cd.SessionID = sid
		if cd.ResourceName == "" {
			cd.ResourceName = res
		}
	}
	if v, ok := md.Attribute("cmid"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: cmid %q", ErrMalformed, v)
		}
		cd.CMID = n
	}
	return cd, nil
}

func decodeAudio(md *psdp.MediaDescription, ip string) (*api.RTPMediaDescriptor, error) {
	am := &api.RTPMediaDescriptor{IP: ip, Port: md.MediaName.Port.Value, Mode: api.ModeSendReceive}
	rtpmap := make(map[string]api.Codec)
	for _, a := range md.Attributes {
		switch a.Key {
		case "rtpmap":
			pt, enc, ok := strings.Cut(a.Value, " ")
			if !ok {
				return nil, fmt.Errorf("%w: rtpmap %q", ErrMalformed, a.Value)
			}
			name, rate, _ := strings.Cut(enc, "/")
			r, _ := strconv.ParseUint(rate, 10, 32)
			rtpmap[pt] = api.Codec{Name: name, Rate: uint32(r)}
		case "sendonly":
			am.Mode = api.ModeSend
		case "recvonly":
			am.Mode = api.ModeReceive
		case "inactive":
			am.Mode = api.ModeNone
		case "ptime":
			am.PTime, _ = strconv.Atoi(a.Value)
		case "mid":
			am.MID, _ = strconv.Atoi(a.Value)
		}
	}
	for _, f := range md.MediaName.Formats {
		pt, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: payload type %q", ErrMalformed, f)
		}
		c, ok := rtpmap[f]
		if !ok {
			c = staticCodec(uint8(pt))
		}
		c.PayloadType = uint8(pt)
		am.Codecs = append(am.Codecs, c)
	}
	am.Enabled = am.Port != 0 && am.Mode != api.ModeNone
	return am, nil
}

// staticCodec covers the RFC 3551 types commonly sent without rtpmap.
func staticCodec(pt uint8) api.Codec {
	switch pt {
	case 0:
		return api.Codec{Name: "PCMU", Rate: 8000}
	case 8:
		return api.Codec{Name: "PCMA", Rate: 8000}
	default:
		return api.Codec{}
	}
}
