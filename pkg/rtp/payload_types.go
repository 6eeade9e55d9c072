package rtp

import "fmt"

// PayloadType тип полезной нагрузки RTP (7 бит).
// Значения 96-127 динамические и согласуются сигнализацией.
type PayloadType uint8

// Статические типы согласно RFC 3551
const (
	PayloadTypePCMU       PayloadType = 0
	PayloadTypeFS1016     PayloadType = 1
	PayloadTypeG721       PayloadType = 2
	PayloadTypeG726       PayloadType = 2
	PayloadTypeGSM        PayloadType = 3
	PayloadTypeG7231      PayloadType = 4
	PayloadTypeDVI4_8k    PayloadType = 5
	PayloadTypeDVI4_16k   PayloadType = 6
	PayloadTypeLPC        PayloadType = 7
	PayloadTypePCMA       PayloadType = 8
	PayloadTypeG722       PayloadType = 9
	PayloadTypeL16Stereo  PayloadType = 10
	PayloadTypeL16Mono    PayloadType = 11
	PayloadTypeG723       PayloadType = 12
	PayloadTypeCN         PayloadType = 13
	PayloadTypeMPA        PayloadType = 14
	PayloadTypeG728       PayloadType = 15
	PayloadTypeDVI4_11k   PayloadType = 16
	PayloadTypeDVI4_22k   PayloadType = 17
	PayloadTypeG729       PayloadType = 18
	PayloadTypeCiscoCN    PayloadType = 19
	PayloadTypeCelB       PayloadType = 25
	PayloadTypeJPEG       PayloadType = 26
	PayloadTypeH261       PayloadType = 31
	PayloadTypeMPV        PayloadType = 32
	PayloadTypeMP2T       PayloadType = 33
	PayloadTypeH263       PayloadType = 34

	PayloadTypeDynamicBase PayloadType = 96
	MaxPayloadType         PayloadType = 127
	IllegalPayloadType     PayloadType = 128 // значение "не задан"
)

var payloadTypeNames = map[PayloadType]string{
	PayloadTypePCMU:      "PCMU",
	PayloadTypeFS1016:    "FS-1016",
	PayloadTypeG721:      "G.721",
	PayloadTypeGSM:       "GSM",
	PayloadTypeG7231:     "G.723.1",
	PayloadTypeDVI4_8k:   "DVI4-8k",
	PayloadTypeDVI4_16k:  "DVI4-16k",
	PayloadTypeLPC:       "LPC",
	PayloadTypePCMA:      "PCMA",
	PayloadTypeG722:      "G.722",
	PayloadTypeL16Stereo: "L16-Stereo",
	PayloadTypeL16Mono:   "L16-Mono",
	PayloadTypeG723:      "G.723",
	PayloadTypeCN:        "CN",
	PayloadTypeMPA:       "MPA",
	PayloadTypeG728:      "G.728",
	PayloadTypeDVI4_11k:  "DVI4-11k",
	PayloadTypeDVI4_22k:  "DVI4-22k",
	PayloadTypeG729:      "G.729",
	PayloadTypeCiscoCN:   "Cisco-CN",
	PayloadTypeCelB:      "CelB",
	PayloadTypeJPEG:      "JPEG",
	PayloadTypeH261:      "H.261",
	PayloadTypeMPV:       "MPV",
	PayloadTypeMP2T:      "MP2T",
	PayloadTypeH263:      "H.263",
}

// частоты тактирования статических типов (RFC 3551, таблицы 4 и 5)
var payloadClockRates = map[PayloadType]uint32{
	PayloadTypePCMU:      8000,
	PayloadTypeFS1016:    8000,
	PayloadTypeG721:      8000,
	PayloadTypeGSM:       8000,
	PayloadTypeG7231:     8000,
	PayloadTypeDVI4_8k:   8000,
	PayloadTypeDVI4_16k:  16000,
	PayloadTypeLPC:       8000,
	PayloadTypePCMA:      8000,
	PayloadTypeG722:      8000,
	PayloadTypeL16Stereo: 44100,
	PayloadTypeL16Mono:   44100,
	PayloadTypeG723:      8000,
	PayloadTypeCN:        8000,
	PayloadTypeMPA:       90000,
	PayloadTypeG728:      8000,
	PayloadTypeDVI4_11k:  11025,
	PayloadTypeDVI4_22k:  22050,
	PayloadTypeG729:      8000,
	PayloadTypeCiscoCN:   8000,
	PayloadTypeCelB:      90000,
	PayloadTypeJPEG:      90000,
	PayloadTypeH261:      90000,
	PayloadTypeMPV:       90000,
	PayloadTypeMP2T:      90000,
	PayloadTypeH263:      90000,
}

// String возвращает имя кодека или числовое значение
func (pt PayloadType) String() string {
	if name, ok := payloadTypeNames[pt]; ok {
		return name
	}
	if pt.IsDynamic() {
		return fmt.Sprintf("dynamic(%d)", uint8(pt))
	}
	if pt == IllegalPayloadType {
		return "illegal"
	}
	return fmt.Sprintf("PT(%d)", uint8(pt))
}

// IsDynamic проверяет, относится ли тип к динамическому диапазону 96-127
func (pt PayloadType) IsDynamic() bool {
	return pt >= PayloadTypeDynamicBase && pt <= MaxPayloadType
}

// IsValid проверяет, помещается ли тип в 7 бит заголовка
func (pt PayloadType) IsValid() bool {
	return pt <= MaxPayloadType
}

// ClockRate возвращает частоту тактирования статического типа.
// Для динамических и неизвестных типов возвращает 0, частоту нужно брать из SDP.
func (pt PayloadType) ClockRate() uint32 {
	return payloadClockRates[pt]
}
