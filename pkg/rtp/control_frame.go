package rtp

import (
	"encoding/binary"
	"fmt"
)

// ControlHeaderSize размер общего заголовка подпакета RTCP
const ControlHeaderSize = 4

// ControlFrame изменяемый буфер составного RTCP пакета.
//
// Кадр содержит последовательность подпакетов, каждый со своим 4-байтным
// заголовком: версия, счетчик (5 бит), тип и длина в 32-битных словах без
// учета заголовка. Кадр держит курсор на "текущем" подпакете: геттеры,
// сеттеры и разборщики работают с ним, а Rewind, ReadNextCompound и
// WriteNextCompound перемещают курсор.
type ControlFrame struct {
	data   []byte
	offset int
}

// NewControlFrame создает кадр с одним пустым подпакетом
func NewControlFrame() *ControlFrame {
	return &ControlFrame{data: []byte{ProtocolVersion << 6, 0, 0, 0}}
}

// ParseControlFrame оборачивает принятые байты. Данные копируются.
func ParseControlFrame(raw []byte) *ControlFrame {
	data := make([]byte, len(raw))
	copy(data, raw)
	return &ControlFrame{data: data}
}

// Validate проходит по всем подпакетам и проверяет версию и длины.
// Курсор не сдвигается.
func (f *ControlFrame) Validate() error {
	if len(f.data) < ControlHeaderSize {
		return &Error{Code: ErrorCodeInvalidFrame, Message: fmt.Sprintf("RTCP пакет слишком короткий: %d байт", len(f.data))}
	}

	offset := 0
	for offset < len(f.data) {
		if offset+ControlHeaderSize > len(f.data) {
			return &Error{Code: ErrorCodeInvalidFrame, Message: fmt.Sprintf("усеченный заголовок подпакета по смещению %d", offset)}
		}
		if v := f.data[offset] >> 6; v != ProtocolVersion {
			return &Error{Code: ErrorCodeInvalidFrame, Message: fmt.Sprintf("неподдерживаемая версия RTCP: %d", v)}
		}
		size := ControlHeaderSize + 4*int(binary.BigEndian.Uint16(f.data[offset+2:offset+4]))
		if offset+size > len(f.data) {
			return &Error{Code: ErrorCodeInvalidFrame, Message: fmt.Sprintf("длина подпакета %d выходит за границу кадра", size)}
		}
		offset += size
	}
	return nil
}

// Rewind возвращает курсор на первый подпакет
func (f *ControlFrame) Rewind() {
	f.offset = 0
}

// ReadNextCompound переводит курсор на следующий подпакет.
// Возвращает false, если следующего подпакета нет или он не помещается в кадр.
func (f *ControlFrame) ReadNextCompound() bool {
	next := f.offset + ControlHeaderSize + f.PayloadSize()
	if next+ControlHeaderSize > len(f.data) {
		return false
	}
	f.offset = next
	return f.offset+ControlHeaderSize+f.PayloadSize() <= len(f.data)
}

// WriteNextCompound добавляет пустой подпакет в конец кадра и делает его текущим
func (f *ControlFrame) WriteNextCompound() {
	for f.ReadNextCompound() {
	}
	f.offset = min(f.offset+ControlHeaderSize+f.PayloadSize(), len(f.data))
	f.data = append(f.data[:f.offset], ProtocolVersion<<6, 0, 0, 0)
}

// Version возвращает версию текущего подпакета
func (f *ControlFrame) Version() uint8 {
	if !f.hasHeader() {
		return 0
	}
	return f.data[f.offset] >> 6
}

// Count возвращает счетчик текущего подпакета (RC или SC, 5 бит)
func (f *ControlFrame) Count() int {
	if !f.hasHeader() {
		return 0
	}
	return int(f.data[f.offset] & 0x1f)
}

// SetCount устанавливает счетчик текущего подпакета
func (f *ControlFrame) SetCount(count int) {
	f.data[f.offset] = f.data[f.offset]&0xe0 | byte(count)&0x1f
}

// PacketType возвращает тип текущего подпакета
func (f *ControlFrame) PacketType() ControlPacketType {
	if !f.hasHeader() {
		return 0
	}
	return ControlPacketType(f.data[f.offset+1])
}

// SetPacketType устанавливает тип текущего подпакета
func (f *ControlFrame) SetPacketType(t ControlPacketType) {
	f.data[f.offset+1] = byte(t)
}

// PayloadSize возвращает размер тела текущего подпакета по полю длины (4 × length)
func (f *ControlFrame) PayloadSize() int {
	if !f.hasHeader() {
		return 0
	}
	return 4 * int(binary.BigEndian.Uint16(f.data[f.offset+2:f.offset+4]))
}

// SetPayloadSize изменяет размер тела текущего подпакета с округлением вверх
// до 32-битного слова и пересчитывает поле длины. Последующие подпакеты
// сдвигаются, новые байты заполняются нулями.
func (f *ControlFrame) SetPayloadSize(size int) {
	if size < 0 {
		size = 0
	}
	words := (size + 3) / 4
	start := f.offset + ControlHeaderSize
	oldEnd := start + min(f.PayloadSize(), len(f.data)-start)
	newEnd := start + 4*words

	tail := append([]byte(nil), f.data[oldEnd:]...)
	if newEnd > cap(f.data) {
		data := make([]byte, newEnd, newEnd+len(tail)+64)
		copy(data, f.data[:min(oldEnd, newEnd)])
		f.data = data
	} else {
		f.data = f.data[:newEnd]
	}
	if newEnd > oldEnd {
		clear(f.data[oldEnd:newEnd])
	}
	f.data = append(f.data, tail...)

	binary.BigEndian.PutUint16(f.data[f.offset+2:f.offset+4], uint16(words))
}

// Payload возвращает тело текущего подпакета (без копирования)
func (f *ControlFrame) Payload() []byte {
	if !f.hasHeader() {
		return nil
	}
	start := f.offset + ControlHeaderSize
	end := min(start+f.PayloadSize(), len(f.data))
	return f.data[start:end]
}

// CompoundSize возвращает размер всего кадра
func (f *ControlFrame) CompoundSize() int {
	return len(f.data)
}

// Bytes возвращает весь составной пакет (без копирования)
func (f *ControlFrame) Bytes() []byte {
	return f.data
}

func (f *ControlFrame) hasHeader() bool {
	return f.offset+ControlHeaderSize <= len(f.data)
}

// beginPacket начинает новый подпакет указанного типа. Пустой текущий
// подпакет используется повторно.
func (f *ControlFrame) beginPacket(t ControlPacketType) {
	if f.PacketType() != 0 || f.PayloadSize() != 0 {
		f.WriteNextCompound()
	}
	f.SetPacketType(t)
	f.SetCount(0)
}

// AddSenderReport добавляет подпакет SR с вложенными блоками отчетов о приеме
func (f *ControlFrame) AddSenderReport(sr SenderReport, reports []ReceiverReport) error {
	if len(reports) > maxReportCount {
		return fmt.Errorf("слишком много блоков отчета: %d", len(reports))
	}

	f.beginPacket(ControlTypeSenderReport)
	f.SetCount(len(reports))
	f.SetPayloadSize(4 + senderInfoSize + len(reports)*receiverReportSize)

	ntp := sr.NTPTimestamp
	if ntp == 0 && !sr.RealTimestamp.IsZero() {
		ntp = NTPTimestamp(sr.RealTimestamp)
	}

	payload := f.Payload()
	binary.BigEndian.PutUint32(payload[0:4], sr.SourceIdentifier)
	binary.BigEndian.PutUint64(payload[4:12], ntp)
	binary.BigEndian.PutUint32(payload[12:16], sr.RTPTimestamp)
	binary.BigEndian.PutUint32(payload[16:20], sr.PacketsSent)
	binary.BigEndian.PutUint32(payload[20:24], sr.OctetsSent)
	for i, rr := range reports {
		putReceiverReport(payload[4+senderInfoSize+i*receiverReportSize:], rr)
	}
	return nil
}

// AddReceiverReport добавляет подпакет RR от источника ssrc
func (f *ControlFrame) AddReceiverReport(ssrc uint32, reports []ReceiverReport) error {
	if len(reports) > maxReportCount {
		return fmt.Errorf("слишком много блоков отчета: %d", len(reports))
	}

	f.beginPacket(ControlTypeReceiverReport)
	f.SetCount(len(reports))
	f.SetPayloadSize(4 + len(reports)*receiverReportSize)

	payload := f.Payload()
	binary.BigEndian.PutUint32(payload[0:4], ssrc)
	for i, rr := range reports {
		putReceiverReport(payload[4+i*receiverReportSize:], rr)
	}
	return nil
}

// AddSourceDescription добавляет chunk для источника src. Если текущий
// подпакет уже SDES, chunk дописывается в него, иначе начинается новый.
// Элементы добавляются через AddSourceDescriptionItem.
func (f *ControlFrame) AddSourceDescription(src uint32) error {
	if f.PacketType() != ControlTypeSourceDescription {
		f.beginPacket(ControlTypeSourceDescription)
	}

	count := f.Count()
	if count >= maxReportCount {
		return fmt.Errorf("слишком много SDES chunk: %d", count)
	}

	offset := 0
	if count > 0 {
		offset = f.PayloadSize()
	}
	f.SetCount(count + 1)
	// SSRC + END + выравнивание
	f.SetPayloadSize(offset + 8)
	payload := f.Payload()
	binary.BigEndian.PutUint32(payload[offset:offset+4], src)
	clear(payload[offset+4:])
	return nil
}

// AddSourceDescriptionItem добавляет элемент в последний chunk текущего SDES
// подпакета. Смещение нового элемента вычисляется как сумма длин предыдущих
// элементов chunk, chunk остается завершенным END и выровненным.
// Текст длиннее 255 байт обрезается.
func (f *ControlFrame) AddSourceDescriptionItem(itemType SDESType, text string) error {
	if itemType == SDESEnd {
		return fmt.Errorf("элемент END добавляется автоматически")
	}
	if f.PacketType() != ControlTypeSourceDescription || f.Count() == 0 {
		return fmt.Errorf("нет SDES chunk для добавления элемента")
	}
	if len(text) > maxSDESItemLength {
		text = text[:maxSDESItemLength]
	}

	payload := f.Payload()
	chunkStart := 0
	for i := 0; i < f.Count()-1; i++ {
		_, next, err := parseSDESChunk(payload, chunkStart)
		if err != nil {
			return err
		}
		chunkStart = next
	}

	itemOffset := chunkStart + 4
	for itemOffset < len(payload) && SDESType(payload[itemOffset]) != SDESEnd {
		if itemOffset+2 > len(payload) {
			return fmt.Errorf("поврежден SDES chunk")
		}
		itemOffset += 2 + int(payload[itemOffset+1])
	}

	// элемент + END
	f.SetPayloadSize(itemOffset + 2 + len(text) + 1)
	payload = f.Payload()
	payload[itemOffset] = byte(itemType)
	payload[itemOffset+1] = byte(len(text))
	copy(payload[itemOffset+2:], text)
	clear(payload[itemOffset+2+len(text):])
	return nil
}

// AddGoodbye добавляет подпакет BYE
func (f *ControlFrame) AddGoodbye(bye Goodbye) error {
	if len(bye.Sources) > maxReportCount {
		return fmt.Errorf("слишком много источников в BYE: %d", len(bye.Sources))
	}
	reason := bye.Reason
	if len(reason) > maxSDESItemLength {
		reason = reason[:maxSDESItemLength]
	}

	f.beginPacket(ControlTypeGoodbye)
	f.SetCount(len(bye.Sources))
	size := 4 * len(bye.Sources)
	if reason != "" {
		size += 1 + len(reason)
	}
	f.SetPayloadSize(size)

	payload := f.Payload()
	for i, src := range bye.Sources {
		binary.BigEndian.PutUint32(payload[i*4:i*4+4], src)
	}
	if reason != "" {
		offset := 4 * len(bye.Sources)
		payload[offset] = byte(len(reason))
		copy(payload[offset+1:], reason)
	}
	return nil
}

// AddAppDefined добавляет подпакет APP
func (f *ControlFrame) AddAppDefined(app AppDefined) error {
	if len(app.Name) != 4 {
		return fmt.Errorf("имя APP пакета должно быть 4 символа: %q", app.Name)
	}

	f.beginPacket(ControlTypeApplDefined)
	f.SetCount(int(app.Subtype))
	f.SetPayloadSize(8 + len(app.Data))

	payload := f.Payload()
	binary.BigEndian.PutUint32(payload[0:4], app.Source)
	copy(payload[4:8], app.Name)
	copy(payload[8:], app.Data)
	return nil
}

// SenderReport разбирает текущий подпакет SR
func (f *ControlFrame) SenderReport() (SenderReport, []ReceiverReport, error) {
	if t := f.PacketType(); t != ControlTypeSenderReport {
		return SenderReport{}, nil, fmt.Errorf("ожидался SR, получен %s", t)
	}
	payload := f.Payload()
	count := f.Count()
	if len(payload) < 4+senderInfoSize+count*receiverReportSize {
		return SenderReport{}, nil, &Error{Code: ErrorCodeInvalidFrame, Message: "SR пакет слишком короткий"}
	}

	ntp := binary.BigEndian.Uint64(payload[4:12])
	sr := SenderReport{
		SourceIdentifier: binary.BigEndian.Uint32(payload[0:4]),
		NTPTimestamp:     ntp,
		RealTimestamp:    NTPTimestampToTime(ntp),
		RTPTimestamp:     binary.BigEndian.Uint32(payload[12:16]),
		PacketsSent:      binary.BigEndian.Uint32(payload[16:20]),
		OctetsSent:       binary.BigEndian.Uint32(payload[20:24]),
	}
	return sr, readReceiverReports(payload[4+senderInfoSize:], count), nil
}

// ReceiverReport разбирает текущий подпакет RR
func (f *ControlFrame) ReceiverReport() (uint32, []ReceiverReport, error) {
	if t := f.PacketType(); t != ControlTypeReceiverReport {
		return 0, nil, fmt.Errorf("ожидался RR, получен %s", t)
	}
	payload := f.Payload()
	count := f.Count()
	if len(payload) < 4+count*receiverReportSize {
		return 0, nil, &Error{Code: ErrorCodeInvalidFrame, Message: "RR пакет слишком короткий"}
	}
	return binary.BigEndian.Uint32(payload[0:4]), readReceiverReports(payload[4:], count), nil
}

// SourceDescriptions разбирает все chunk текущего подпакета SDES
func (f *ControlFrame) SourceDescriptions() ([]SourceDescription, error) {
	if t := f.PacketType(); t != ControlTypeSourceDescription {
		return nil, fmt.Errorf("ожидался SDES, получен %s", t)
	}
	payload := f.Payload()
	descriptions := make([]SourceDescription, 0, f.Count())
	offset := 0
	for i := 0; i < f.Count(); i++ {
		sd, next, err := parseSDESChunk(payload, offset)
		if err != nil {
			return nil, err
		}
		descriptions = append(descriptions, sd)
		offset = next
	}
	return descriptions, nil
}

// Goodbye разбирает текущий подпакет BYE
func (f *ControlFrame) Goodbye() (Goodbye, error) {
	if t := f.PacketType(); t != ControlTypeGoodbye {
		return Goodbye{}, fmt.Errorf("ожидался BYE, получен %s", t)
	}
	payload := f.Payload()
	count := f.Count()
	if len(payload) < 4*count {
		return Goodbye{}, &Error{Code: ErrorCodeInvalidFrame, Message: "BYE пакет слишком короткий"}
	}

	bye := Goodbye{Sources: make([]uint32, 0, count)}
	for i := 0; i < count; i++ {
		bye.Sources = append(bye.Sources, binary.BigEndian.Uint32(payload[i*4:i*4+4]))
	}
	offset := 4 * count
	if offset < len(payload) {
		length := int(payload[offset])
		if offset+1+length > len(payload) {
			return Goodbye{}, &Error{Code: ErrorCodeInvalidFrame, Message: "причина BYE выходит за границу пакета"}
		}
		bye.Reason = string(payload[offset+1 : offset+1+length])
	}
	return bye, nil
}

// AppDefined разбирает текущий подпакет APP
func (f *ControlFrame) AppDefined() (AppDefined, error) {
	if t := f.PacketType(); t != ControlTypeApplDefined {
		return AppDefined{}, fmt.Errorf("ожидался APP, получен %s", t)
	}
	payload := f.Payload()
	if len(payload) < 8 {
		return AppDefined{}, &Error{Code: ErrorCodeInvalidFrame, Message: "APP пакет слишком короткий"}
	}
	return AppDefined{
		Subtype: uint8(f.Count()),
		Source:  binary.BigEndian.Uint32(payload[0:4]),
		Name:    string(payload[4:8]),
		Data:    append([]byte(nil), payload[8:]...),
	}, nil
}

// parseSDESChunk разбирает chunk, начинающийся со смещения offset, и
// возвращает смещение следующего chunk (с учетом выравнивания).
func parseSDESChunk(payload []byte, offset int) (SourceDescription, int, error) {
	if offset+4 > len(payload) {
		return SourceDescription{}, 0, &Error{Code: ErrorCodeInvalidFrame, Message: "недостаточно данных для SDES chunk"}
	}

	sd := SourceDescription{SourceIdentifier: binary.BigEndian.Uint32(payload[offset : offset+4])}
	offset += 4

	for {
		if offset >= len(payload) {
			return SourceDescription{}, 0, &Error{Code: ErrorCodeInvalidFrame, Message: "SDES chunk без завершающего END"}
		}
		itemType := SDESType(payload[offset])
		if itemType == SDESEnd {
			offset++
			break
		}
		if offset+2 > len(payload) {
			return SourceDescription{}, 0, &Error{Code: ErrorCodeInvalidFrame, Message: "недостаточно данных для SDES item"}
		}
		length := int(payload[offset+1])
		if offset+2+length > len(payload) {
			return SourceDescription{}, 0, &Error{Code: ErrorCodeInvalidFrame, Message: "недостаточно данных для SDES text"}
		}
		sd.Items = append(sd.Items, SDESItem{Type: itemType, Text: string(payload[offset+2 : offset+2+length])})
		offset += 2 + length
	}

	// выравнивание до 32 бит
	offset = (offset + 3) &^ 3
	return sd, offset, nil
}
