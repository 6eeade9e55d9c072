package rtp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// MediaFormat формат полезной нагрузки, согласованный в SDP
type MediaFormat struct {
	PayloadType PayloadType
	Name        string
	ClockRate   uint32
	Channels    int
	Fmtp        string
}

// MediaEndpoint параметры удаленной стороны одного медиа потока
type MediaEndpoint struct {
	Address     string
	DataPort    int
	ControlPort int
	Formats     []MediaFormat
	Direction   string
	PacketTime  time.Duration
}

// PrimaryFormat первый формат в порядке предпочтения
func (e MediaEndpoint) PrimaryFormat() (MediaFormat, bool) {
	if len(e.Formats) == 0 {
		return MediaFormat{}, false
	}
	return e.Formats[0], true
}

// Apply задает удаленную сторону UDP транспорта
func (e MediaEndpoint) Apply(transport *UDPTransport) error {
	if err := transport.SetRemoteSocketInfo(e.Address, e.DataPort, true); err != nil {
		return err
	}
	if e.ControlPort != 0 && e.ControlPort != e.DataPort+1 {
		control := transport.RemoteControlAddress()
		transport.control.setRemote(&net.UDPAddr{IP: control.IP, Port: e.ControlPort})
	}
	return nil
}

// имена кодировок статических типов для rtpmap (RFC 3551)
var sdpEncodingNames = map[PayloadType]string{
	PayloadTypePCMU:      "PCMU",
	PayloadTypeGSM:       "GSM",
	PayloadTypeG723:      "G723",
	PayloadTypeDVI4_8k:   "DVI4",
	PayloadTypeDVI4_16k:  "DVI4",
	PayloadTypeLPC:       "LPC",
	PayloadTypePCMA:      "PCMA",
	PayloadTypeG722:      "G722",
	PayloadTypeL16Stereo: "L16",
	PayloadTypeL16Mono:   "L16",
	PayloadTypeCN:        "CN",
	PayloadTypeMPA:       "MPA",
	PayloadTypeG728:      "G728",
	PayloadTypeG729:      "G729",
	PayloadTypeCelB:      "CelB",
	PayloadTypeJPEG:      "JPEG",
	PayloadTypeH261:      "H261",
	PayloadTypeMPV:       "MPV",
	PayloadTypeMP2T:      "MP2T",
	PayloadTypeH263:      "H263",
}

// ParseMediaEndpoint разбирает SDP и извлекает первый поток указанного типа (audio, video)
func ParseMediaEndpoint(raw []byte, media string) (MediaEndpoint, error) {
	var description sdp.SessionDescription
	if err := description.Unmarshal(raw); err != nil {
		return MediaEndpoint{}, fmt.Errorf("ошибка разбора SDP: %w", err)
	}
	return MediaEndpointFromDescription(&description, media)
}

// MediaEndpointFromDescription извлекает параметры потока из разобранного SDP
func MediaEndpointFromDescription(description *sdp.SessionDescription, media string) (MediaEndpoint, error) {
	var found *sdp.MediaDescription
	for _, candidate := range description.MediaDescriptions {
		if candidate.MediaName.Media == media {
			found = candidate
			break
		}
	}
	if found == nil {
		return MediaEndpoint{}, fmt.Errorf("медиа описание %q не найдено в SDP", media)
	}

	connection := found.ConnectionInformation
	if connection == nil {
		connection = description.ConnectionInformation
	}
	if connection == nil || connection.Address == nil {
		return MediaEndpoint{}, fmt.Errorf("информация о соединении не найдена в SDP")
	}

	endpoint := MediaEndpoint{
		Address:     connection.Address.Address,
		DataPort:    found.MediaName.Port.Value,
		ControlPort: found.MediaName.Port.Value + 1,
		Direction:   "sendrecv",
	}

	if value, ok := found.Attribute("rtcp"); ok {
		// a=rtcp:<port> [nettype addrtype address]
		fields := strings.Fields(value)
		if len(fields) > 0 {
			if port, err := strconv.Atoi(fields[0]); err == nil {
				endpoint.ControlPort = port
			}
		}
	}
	if value, ok := found.Attribute("ptime"); ok {
		if ms, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			endpoint.PacketTime = time.Duration(ms) * time.Millisecond
		}
	}
	for _, direction := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
		if _, ok := found.Attribute(direction); ok {
			endpoint.Direction = direction
		}
	}

	for _, format := range found.MediaName.Formats {
		value, err := strconv.ParseUint(format, 10, 8)
		if err != nil || PayloadType(value) > MaxPayloadType {
			continue
		}
		endpoint.Formats = append(endpoint.Formats, resolveFormat(description, PayloadType(value)))
	}

	return endpoint, nil
}

// resolveFormat берет параметры из rtpmap/fmtp, для статических типов без rtpmap
// использует значения RFC 3551
func resolveFormat(description *sdp.SessionDescription, pt PayloadType) MediaFormat {
	format := MediaFormat{PayloadType: pt, Channels: 1}

	if codec, err := description.GetCodecForPayloadType(uint8(pt)); err == nil && codec.Name != "" {
		format.Name = codec.Name
		format.ClockRate = codec.ClockRate
		format.Fmtp = codec.Fmtp
		if channels, err := strconv.Atoi(codec.EncodingParameters); err == nil && channels > 0 {
			format.Channels = channels
		}
		return format
	}

	format.Name = sdpEncodingNames[pt]
	format.ClockRate = pt.ClockRate()
	if pt == PayloadTypeL16Stereo {
		format.Channels = 2
	}
	return format
}

// BuildOffer формирует SDP предложение для аудио потока UDP транспорта
func BuildOffer(transport *UDPTransport, sessionID uint64, formats []MediaFormat, packetTime time.Duration) *sdp.SessionDescription {
	host := transport.LocalAddress()
	address := "0.0.0.0"
	if host != nil && !host.IsUnspecified() {
		address = host.String()
	}
	addressType := "IP4"
	if ip := net.ParseIP(address); ip != nil && ip.To4() == nil {
		addressType = "IP6"
	}

	connection := &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: addressType,
		Address:     &sdp.Address{Address: address},
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: transport.LocalDataPort()},
			Protos: []string{"RTP", "AVP"},
		},
		ConnectionInformation: connection,
	}
	for _, format := range formats {
		pt := strconv.Itoa(int(format.PayloadType))
		media.MediaName.Formats = append(media.MediaName.Formats, pt)

		rtpmap := fmt.Sprintf("%s %s/%d", pt, format.Name, format.ClockRate)
		if format.Channels > 1 {
			rtpmap += "/" + strconv.Itoa(format.Channels)
		}
		media.Attributes = append(media.Attributes, sdp.NewAttribute("rtpmap", rtpmap))
		if format.Fmtp != "" {
			media.Attributes = append(media.Attributes, sdp.NewAttribute("fmtp", pt+" "+format.Fmtp))
		}
	}
	if control := transport.LocalControlPort(); control != transport.LocalDataPort()+1 {
		media.Attributes = append(media.Attributes, sdp.NewAttribute("rtcp", strconv.Itoa(control)))
	}
	if packetTime > 0 {
		media.Attributes = append(media.Attributes, sdp.NewAttribute("ptime", strconv.Itoa(int(packetTime.Milliseconds()))))
	}
	media.Attributes = append(media.Attributes, sdp.NewPropertyAttribute("sendrecv"))

	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    addressType,
			UnicastAddress: address,
		},
		SessionName:           sdp.SessionName(DefaultToolName),
		ConnectionInformation: connection,
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{media},
	}
}
